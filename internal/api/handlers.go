package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"trackd/internal/application/port"
	"trackd/internal/application/service"
	"trackd/internal/application/usecase/tracker"
	"trackd/internal/domain"
)

// userHeader carries the authenticated user id; requests without it are
// treated as guests. Authentication itself happens upstream.
const userHeader = "X-User-ID"

// Handler holds dependencies for HTTP handlers
type Handler struct {
	repo      port.Repository
	book      *service.QuoteBook
	portfolio *service.PortfolioService
	vault     *service.CredentialService
	tracker   *tracker.Service

	now func() time.Time
}

// NewHandler creates a new Handler
func NewHandler(repo port.Repository, book *service.QuoteBook, portfolio *service.PortfolioService, vault *service.CredentialService, trk *tracker.Service) *Handler {
	return &Handler{
		repo:      repo,
		book:      book,
		portfolio: portfolio,
		vault:     vault,
		tracker:   trk,
		now:       time.Now,
	}
}

func (h *Handler) user(r *http.Request) (userID string, isGuest bool) {
	userID = r.Header.Get(userHeader)
	return userID, userID == ""
}

func (h *Handler) profile(r *http.Request) (domain.Profile, bool) {
	userID, isGuest := h.user(r)
	if isGuest {
		return domain.Profile{}, true
	}
	p, err := h.repo.GetProfile(r.Context(), userID)
	if errors.Is(err, port.ErrNotFound) {
		// Signed in but never subscribed: free tier.
		return domain.Profile{UserID: userID}, false
	}
	if err != nil {
		return domain.Profile{UserID: userID}, false
	}
	return p, false
}

// requireUser rejects guest requests.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, isGuest := h.user(r)
	if isGuest {
		http.Error(w, "sign in required", http.StatusUnauthorized)
		return "", false
	}
	return userID, true
}

// GetQuotes handles GET /quotes. Timestamps are clamped for users
// without real-time entitlement; prices are always the latest known.
func (h *Handler) GetQuotes(w http.ResponseWriter, r *http.Request) {
	p, isGuest := h.profile(r)
	ent := domain.EntitlementFor(isGuest, p)
	now := h.now()

	quotes := h.book.Snapshot()
	for i := range quotes {
		quotes[i] = ent.ApplyDelay(quotes[i], now)
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"quotes":       quotes,
		"delay_status": domain.DelayStatusFor(isGuest, p),
	})
}

// GetDelayStatus handles GET /delay-status
func (h *Handler) GetDelayStatus(w http.ResponseWriter, r *http.Request) {
	p, isGuest := h.profile(r)
	respondJSON(w, http.StatusOK, domain.DelayStatusFor(isGuest, p))
}

// GetPortfolio handles GET /portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	values, summary, err := h.portfolio.Value(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	p, isGuest := h.profile(r)
	respondJSON(w, http.StatusOK, map[string]any{
		"positions":    values,
		"summary":      summary,
		"delay_status": domain.DelayStatusFor(isGuest, p),
	})
}

// ListPositions handles GET /positions
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	positions, err := h.portfolio.List(r.Context(), userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, positions)
}

type positionRequest struct {
	Commodity  string  `json:"commodity"`
	Quantity   float64 `json:"quantity"`
	EntryPrice float64 `json:"entry_price"`
	EntryDate  string  `json:"entry_date,omitempty"` // RFC 3339
	Notes      string  `json:"notes,omitempty"`
}

func (req positionRequest) position(userID string) (domain.Position, error) {
	p := domain.Position{
		UserID:     userID,
		Commodity:  req.Commodity,
		Quantity:   req.Quantity,
		EntryPrice: req.EntryPrice,
		Notes:      req.Notes,
	}
	if req.EntryDate != "" {
		ts, err := time.Parse(time.RFC3339, req.EntryDate)
		if err != nil {
			return domain.Position{}, errors.New("entry_date must be RFC 3339")
		}
		p.EntryDate = ts
	}
	return p, nil
}

// CreatePosition handles POST /positions
func (h *Handler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := req.position(userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.portfolio.Create(r.Context(), &p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

// UpdatePosition handles PUT /positions/{id}
func (h *Handler) UpdatePosition(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid position id", http.StatusBadRequest)
		return
	}
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p, err := req.position(userID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.ID = id
	if err := h.portfolio.Update(r.Context(), p); err != nil {
		if errors.Is(err, port.ErrNotFound) {
			http.Error(w, "position not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// DeletePosition handles DELETE /positions/{id}
func (h *Handler) DeletePosition(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid position id", http.StatusBadRequest)
		return
	}
	if err := h.portfolio.Delete(r.Context(), userID, id); err != nil {
		if errors.Is(err, port.ErrNotFound) {
			http.Error(w, "position not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetProfile handles GET /profile
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.requireUser(w, r); !ok {
		return
	}
	p, _ := h.profile(r)
	respondJSON(w, http.StatusOK, p)
}

// PutProfile handles PUT /profile
func (h *Handler) PutProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		SubscriptionActive bool   `json:"subscription_active"`
		SubscriptionTier   string `json:"subscription_tier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p := domain.Profile{
		UserID:             userID,
		SubscriptionActive: req.SubscriptionActive,
		SubscriptionTier:   req.SubscriptionTier,
	}
	if err := h.repo.UpsertProfile(r.Context(), p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

// PutCredentials handles PUT /credentials/{vendor}
func (h *Handler) PutCredentials(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	vendor := mux.Vars(r)["vendor"]
	var creds port.Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.vault.Save(r.Context(), userID, vendor, creds); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"vendor": vendor, "status": "saved"})
}

// GetCredentialStatus handles GET /credentials/{vendor}. It never
// returns the credential itself.
func (h *Handler) GetCredentialStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	vendor := mux.Vars(r)["vendor"]
	configured, err := h.vault.Configured(r.Context(), userID, vendor)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"vendor": vendor, "configured": configured})
}

// DeleteCredentials handles DELETE /credentials/{vendor}
func (h *Handler) DeleteCredentials(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	vendor := mux.Vars(r)["vendor"]
	if err := h.vault.Clear(r.Context(), userID, vendor); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConnectIBKR handles POST /feeds/ibkr/connect
func (h *Handler) ConnectIBKR(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	err := h.tracker.ConnectIBKR(r.Context(), userID)
	switch {
	case err == nil:
		respondJSON(w, http.StatusOK, map[string]string{"status": "connecting"})
	case errors.Is(err, port.ErrNoCredentials):
		http.Error(w, "no IBKR credentials configured", http.StatusPreconditionFailed)
	case errors.Is(err, port.ErrFeedBusy):
		http.Error(w, "session already active", http.StatusConflict)
	case errors.Is(err, port.ErrLimitReached):
		http.Error(w, "vendor usage limit reached", http.StatusTooManyRequests)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

// DisconnectIBKR handles POST /feeds/ibkr/disconnect
func (h *Handler) DisconnectIBKR(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	h.tracker.DisconnectIBKR(userID)
	respondJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

// GetIBKRStatus handles GET /feeds/ibkr/status
func (h *Handler) GetIBKRStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	state, feedErr := h.tracker.IBKRState(userID)
	resp := map[string]any{"state": state.String()}
	if feedErr != nil {
		resp["error"] = feedErr.Error()
	}
	respondJSON(w, http.StatusOK, resp)
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
