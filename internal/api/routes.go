package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

// SetupRoutes configures all API routes
func SetupRoutes(handler *Handler, metrics http.Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods("GET")
	}

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/quotes", handler.GetQuotes).Methods("GET")
	api.HandleFunc("/delay-status", handler.GetDelayStatus).Methods("GET")

	api.HandleFunc("/portfolio", handler.GetPortfolio).Methods("GET")
	api.HandleFunc("/positions", handler.ListPositions).Methods("GET")
	api.HandleFunc("/positions", handler.CreatePosition).Methods("POST")
	api.HandleFunc("/positions/{id}", handler.UpdatePosition).Methods("PUT")
	api.HandleFunc("/positions/{id}", handler.DeletePosition).Methods("DELETE")

	api.HandleFunc("/profile", handler.GetProfile).Methods("GET")
	api.HandleFunc("/profile", handler.PutProfile).Methods("PUT")

	api.HandleFunc("/credentials/{vendor}", handler.PutCredentials).Methods("PUT")
	api.HandleFunc("/credentials/{vendor}", handler.GetCredentialStatus).Methods("GET")
	api.HandleFunc("/credentials/{vendor}", handler.DeleteCredentials).Methods("DELETE")

	api.HandleFunc("/feeds/ibkr/connect", handler.ConnectIBKR).Methods("POST")
	api.HandleFunc("/feeds/ibkr/disconnect", handler.DisconnectIBKR).Methods("POST")
	api.HandleFunc("/feeds/ibkr/status", handler.GetIBKRStatus).Methods("GET")

	return r
}
