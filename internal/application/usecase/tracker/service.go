package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"trackd/internal/application/port"
	"trackd/internal/application/service"
)

// IBKRFeedFactory builds a per-user streaming feed from that user's
// decrypted credentials.
type IBKRFeedFactory func(creds port.Credentials) (port.PriceFeed, error)

type ServiceDeps struct {
	// Feeds are the service-level vendor feeds (REST pollers) started
	// unconditionally with Run.
	Feeds   []port.PriceFeed
	Symbols []string

	Book      *service.QuoteBook
	Repo      port.Repository
	Publisher port.EventPublisher
	Vault     port.CredentialVault

	// IBKRFactory is nil when the vendor is disabled.
	IBKRFactory IBKRFeedFactory

	SnapshotEvery time.Duration

	// Counters, wired to metrics in main. Either may be nil.
	OnTick     func(vendor string)
	OnSnapshot func()
}

// Service runs the vendor feeds, merges their ticks into the quote book,
// persists and publishes updates, and manages per-user IBKR sessions.
type Service struct {
	deps   ServiceDeps
	merged chan port.Tick

	mu       sync.Mutex
	runCtx   context.Context
	sessions map[string]*userSession
}

type userSession struct {
	feed   port.PriceFeed
	cancel context.CancelFunc
}

var ErrNotRunning = errors.New("tracker is not running")

func NewService(deps ServiceDeps) *Service {
	return &Service{
		deps:     deps,
		merged:   make(chan port.Tick, 1024),
		sessions: make(map[string]*userSession),
	}
}

func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.runCtx = ctx
	s.mu.Unlock()

	for _, feed := range s.deps.Feeds {
		s.startFeed(ctx, feed)
	}

	every := s.deps.SnapshotEvery
	if every <= 0 {
		every = 5 * time.Minute
	}
	snapTicker := time.NewTicker(every)
	defer snapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.disconnectAll()
			return ctx.Err()

		case now := <-snapTicker.C:
			s.snapshot(ctx, now)

		case t := <-s.merged:
			s.handleTick(ctx, t)
		}
	}
}

func (s *Service) startFeed(ctx context.Context, feed port.PriceFeed) {
	ch, err := feed.Subscribe(ctx, s.deps.Symbols)
	if err != nil {
		// A dead vendor must not take the tracker down; the other feeds
		// keep running.
		log.Warn().Err(err).Str("feed", feed.Name()).Msg("feed failed to start")
		return
	}
	go s.forward(ctx, feed.Name(), ch)
	log.Info().Str("feed", feed.Name()).Msg("feed started")
}

func (s *Service) forward(ctx context.Context, name string, in <-chan port.Tick) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-in:
			if !ok {
				log.Info().Str("feed", name).Msg("feed session ended")
				return
			}
			select {
			case s.merged <- t:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Service) handleTick(ctx context.Context, t port.Tick) {
	if !s.deps.Book.Apply(t) {
		return
	}
	if s.deps.OnTick != nil {
		s.deps.OnTick(t.Vendor)
	}

	q := t.Quote()
	if err := s.deps.Repo.UpsertLatestQuote(ctx, q); err != nil {
		log.Warn().Err(err).Str("symbol", q.Symbol).Msg("persist quote failed")
	}
	if s.deps.Publisher != nil {
		if err := s.deps.Publisher.PublishQuote(ctx, q); err != nil {
			log.Warn().Err(err).Str("symbol", q.Symbol).Msg("publish quote failed")
		}
	}
}

// snapshot persists the merged market view so valuation history survives
// restarts.
func (s *Service) snapshot(ctx context.Context, now time.Time) {
	quotes := s.deps.Book.Snapshot()
	if len(quotes) == 0 {
		return
	}
	payload, err := json.Marshal(quotes)
	if err != nil {
		log.Warn().Err(err).Msg("encode snapshot failed")
		return
	}
	if err := s.deps.Repo.InsertSnapshot(ctx, now.UnixMilli(), "", string(payload)); err != nil {
		log.Warn().Err(err).Msg("persist snapshot failed")
		return
	}
	if s.deps.OnSnapshot != nil {
		s.deps.OnSnapshot()
	}
}

// ConnectIBKR starts a streaming session with the user's stored
// credentials. One live session per user; a second connect while one is
// active returns port.ErrFeedBusy.
func (s *Service) ConnectIBKR(ctx context.Context, userID string) error {
	if s.deps.IBKRFactory == nil {
		return errors.New("ibkr vendor is disabled")
	}

	creds, err := s.deps.Vault.Load(ctx, userID, "ibkr")
	if err != nil {
		return err
	}
	if creds == nil {
		return port.ErrNoCredentials
	}

	s.mu.Lock()
	runCtx := s.runCtx
	if runCtx == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	if sess, ok := s.sessions[userID]; ok {
		switch sess.feed.State() {
		case port.FeedConnecting, port.FeedConnected, port.FeedReconnecting:
			s.mu.Unlock()
			return port.ErrFeedBusy
		}
		sess.cancel()
		delete(s.sessions, userID)
	}

	feed, err := s.deps.IBKRFactory(*creds)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	sessCtx, cancel := context.WithCancel(runCtx)
	ch, err := feed.Subscribe(sessCtx, s.deps.Symbols)
	if err != nil {
		cancel()
		s.mu.Unlock()
		return err
	}
	s.sessions[userID] = &userSession{feed: feed, cancel: cancel}
	s.mu.Unlock()

	go func() {
		s.forward(sessCtx, feed.Name(), ch)
		s.mu.Lock()
		if sess, ok := s.sessions[userID]; ok && sess.feed == feed {
			sess.cancel()
			delete(s.sessions, userID)
		}
		s.mu.Unlock()
	}()

	log.Info().Str("user", userID).Msg("ibkr session started")
	return nil
}

// DisconnectIBKR tears the user's session down. Calling it without a
// session is a no-op.
func (s *Service) DisconnectIBKR(userID string) {
	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if ok {
		delete(s.sessions, userID)
	}
	s.mu.Unlock()

	if ok {
		sess.cancel()
		log.Info().Str("user", userID).Msg("ibkr session stopped")
	}
}

// IBKRState reports the user's session state for the status endpoint.
func (s *Service) IBKRState(userID string) (port.FeedState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return port.FeedDisconnected, nil
	}
	return sess.feed.State(), sess.feed.Err()
}

func (s *Service) disconnectAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*userSession)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
	}
}
