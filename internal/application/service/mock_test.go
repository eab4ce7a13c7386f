package service

import (
	"context"
	"fmt"
	"sync"

	"trackd/internal/application/port"
	"trackd/internal/domain"
)

// mockRepository is an in-memory port.Repository for service tests.
type mockRepository struct {
	mu        sync.Mutex
	nextID    int64
	quotes    map[string]domain.Quote
	positions map[int64]domain.Position
	profiles  map[string]domain.Profile
	blobs     map[string][]byte
	snapshots []string

	failPut bool
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		quotes:    make(map[string]domain.Quote),
		positions: make(map[int64]domain.Position),
		profiles:  make(map[string]domain.Profile),
		blobs:     make(map[string][]byte),
	}
}

func blobKey(userID, vendor string) string { return userID + "/" + vendor }

func (m *mockRepository) UpsertLatestQuote(_ context.Context, q domain.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes[string(q.Source)+":"+q.Symbol] = q
	return nil
}

func (m *mockRepository) ListLatestQuotes(context.Context) ([]domain.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Quote, 0, len(m.quotes))
	for _, q := range m.quotes {
		out = append(out, q)
	}
	return out, nil
}

func (m *mockRepository) CreatePosition(_ context.Context, p *domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	m.positions[p.ID] = *p
	return nil
}

func (m *mockRepository) UpdatePosition(_ context.Context, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.positions[p.ID]
	if !ok || cur.UserID != p.UserID {
		return port.ErrNotFound
	}
	m.positions[p.ID] = p
	return nil
}

func (m *mockRepository) DeletePosition(_ context.Context, userID string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.positions[id]
	if !ok || cur.UserID != userID {
		return port.ErrNotFound
	}
	delete(m.positions, id)
	return nil
}

func (m *mockRepository) ListPositions(_ context.Context, userID string) ([]domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Position
	for _, p := range m.positions {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockRepository) UpsertProfile(_ context.Context, p domain.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.UserID] = p
	return nil
}

func (m *mockRepository) GetProfile(_ context.Context, userID string) (domain.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return domain.Profile{}, port.ErrNotFound
	}
	return p, nil
}

func (m *mockRepository) PutCredentialBlob(_ context.Context, userID, vendor string, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut {
		return fmt.Errorf("storage down")
	}
	cp := make([]byte, len(blob))
	copy(cp, blob)
	m.blobs[blobKey(userID, vendor)] = cp
	return nil
}

func (m *mockRepository) GetCredentialBlob(_ context.Context, userID, vendor string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[blobKey(userID, vendor)]
	if !ok {
		return nil, port.ErrNotFound
	}
	return b, nil
}

func (m *mockRepository) DeleteCredentialBlob(_ context.Context, userID, vendor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[blobKey(userID, vendor)]; !ok {
		return port.ErrNotFound
	}
	delete(m.blobs, blobKey(userID, vendor))
	return nil
}

func (m *mockRepository) InsertSnapshot(_ context.Context, _ int64, userID, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, userID+"|"+payload)
	return nil
}

func (m *mockRepository) Close() error { return nil }

var _ port.Repository = (*mockRepository)(nil)

// mockPublisher records published events.
type mockPublisher struct {
	mu     sync.Mutex
	quotes []domain.Quote
	events []string
}

func (m *mockPublisher) PublishQuote(_ context.Context, q domain.Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes = append(m.quotes, q)
	return nil
}

func (m *mockPublisher) PublishPositionChanged(_ context.Context, eventType string, p domain.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType+":"+p.Commodity)
	return nil
}

func (m *mockPublisher) Close() error { return nil }

var _ port.EventPublisher = (*mockPublisher)(nil)
