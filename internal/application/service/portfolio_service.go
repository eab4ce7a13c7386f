package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"trackd/internal/application/port"
	"trackd/internal/domain"
)

const (
	eventPositionCreated = "POSITION_CREATED"
	eventPositionUpdated = "POSITION_UPDATED"
	eventPositionDeleted = "POSITION_DELETED"
)

// PortfolioService manages positions and values them against the latest
// known prices. Valuation itself is pure; this layer wires storage, the
// quote book and event publishing around it.
type PortfolioService struct {
	repo      port.Repository
	book      *QuoteBook
	publisher port.EventPublisher
}

func NewPortfolioService(repo port.Repository, book *QuoteBook, publisher port.EventPublisher) *PortfolioService {
	return &PortfolioService{repo: repo, book: book, publisher: publisher}
}

func validatePosition(p domain.Position) error {
	if domain.NormalizeSymbol(p.Commodity) == "" {
		return errors.New("commodity is required")
	}
	if p.Quantity <= 0 {
		return errors.New("quantity must be positive")
	}
	if p.EntryPrice < 0 {
		return errors.New("entry price must not be negative")
	}
	return nil
}

func (s *PortfolioService) Create(ctx context.Context, p *domain.Position) error {
	if err := validatePosition(*p); err != nil {
		return err
	}
	p.Commodity = domain.NormalizeSymbol(p.Commodity)
	if p.EntryDate.IsZero() {
		p.EntryDate = time.Now().UTC()
	}
	if err := s.repo.CreatePosition(ctx, p); err != nil {
		return fmt.Errorf("create position: %w", err)
	}
	s.publish(ctx, eventPositionCreated, *p)
	return nil
}

func (s *PortfolioService) Update(ctx context.Context, p domain.Position) error {
	if err := validatePosition(p); err != nil {
		return err
	}
	p.Commodity = domain.NormalizeSymbol(p.Commodity)
	if err := s.repo.UpdatePosition(ctx, p); err != nil {
		return err
	}
	s.publish(ctx, eventPositionUpdated, p)
	return nil
}

func (s *PortfolioService) Delete(ctx context.Context, userID string, id int64) error {
	if err := s.repo.DeletePosition(ctx, userID, id); err != nil {
		return err
	}
	s.publish(ctx, eventPositionDeleted, domain.Position{ID: id, UserID: userID})
	return nil
}

func (s *PortfolioService) List(ctx context.Context, userID string) ([]domain.Position, error) {
	positions, err := s.repo.ListPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].ID < positions[j].ID })
	return positions, nil
}

// Value loads the user's positions and prices them against the quote
// book. Missing prices degrade to entry-price fallback, never to an
// error.
func (s *PortfolioService) Value(ctx context.Context, userID string) ([]domain.PositionValue, domain.Summary, error) {
	positions, err := s.List(ctx, userID)
	if err != nil {
		return nil, domain.Summary{}, err
	}
	values := domain.Valuate(positions, s.book.Lookup)
	return values, domain.Summarize(values), nil
}

func (s *PortfolioService) publish(ctx context.Context, eventType string, p domain.Position) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishPositionChanged(ctx, eventType, p); err != nil {
		log.Warn().Err(err).Str("event", eventType).Msg("publish position event failed")
	}
}
