package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"trackd/internal/application/port"
)

// CredentialService encrypts vendor credentials before they touch the
// repository and decrypts them on the way out. Plaintext is never
// persisted and never logged.
type CredentialService struct {
	repo   port.Repository
	sealer port.Sealer

	// OnClear, when set, is invoked after a credential is removed so the
	// owner can tear down any session that was using it.
	OnClear func(userID, vendor string)
}

func NewCredentialService(repo port.Repository, sealer port.Sealer) *CredentialService {
	return &CredentialService{repo: repo, sealer: sealer}
}

func (s *CredentialService) Save(ctx context.Context, userID, vendor string, c port.Credentials) error {
	if c.Empty() {
		return errors.New("empty credentials")
	}
	plain, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	blob, err := s.sealer.Seal(plain)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	if err := s.repo.PutCredentialBlob(ctx, userID, vendor, blob); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	log.Info().Str("user", userID).Str("vendor", vendor).Msg("credentials saved")
	return nil
}

// Load returns (nil, nil) when no credential is stored or the stored
// blob no longer decrypts; callers treat both as "not configured".
func (s *CredentialService) Load(ctx context.Context, userID, vendor string) (*port.Credentials, error) {
	blob, err := s.repo.GetCredentialBlob(ctx, userID, vendor)
	if errors.Is(err, port.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	plain, err := s.sealer.Open(blob)
	if err != nil {
		log.Warn().Str("user", userID).Str("vendor", vendor).Msg("stored credential blob does not decrypt")
		return nil, nil
	}
	var c port.Credentials
	if err := json.Unmarshal(plain, &c); err != nil {
		log.Warn().Str("user", userID).Str("vendor", vendor).Msg("stored credential blob is malformed")
		return nil, nil
	}
	return &c, nil
}

func (s *CredentialService) Clear(ctx context.Context, userID, vendor string) error {
	err := s.repo.DeleteCredentialBlob(ctx, userID, vendor)
	if err != nil && !errors.Is(err, port.ErrNotFound) {
		return fmt.Errorf("clear credentials: %w", err)
	}
	if s.OnClear != nil {
		s.OnClear(userID, vendor)
	}
	log.Info().Str("user", userID).Str("vendor", vendor).Msg("credentials cleared")
	return nil
}

// Configured reports whether a decryptable credential exists.
func (s *CredentialService) Configured(ctx context.Context, userID, vendor string) (bool, error) {
	c, err := s.Load(ctx, userID, vendor)
	if err != nil {
		return false, err
	}
	return c != nil, nil
}

var _ port.CredentialVault = (*CredentialService)(nil)
