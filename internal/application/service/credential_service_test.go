package service

import (
	"bytes"
	"context"
	"testing"

	"trackd/internal/application/port"
	"trackd/internal/infrastructure/crypto"
)

func newTestSealer(t *testing.T) port.Sealer {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	s, err := crypto.NewSealer(key)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s
}

func TestCredentialServiceRoundTrip(t *testing.T) {
	repo := newMockRepository()
	svc := NewCredentialService(repo, newTestSealer(t))
	ctx := context.Background()

	in := port.Credentials{Username: "alice", Password: "hunter2", Gateway: "paper"}
	if err := svc.Save(ctx, "u1", "ibkr", in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// The repository must only ever see ciphertext.
	blob := repo.blobs[blobKey("u1", "ibkr")]
	if bytes.Contains(blob, []byte("hunter2")) {
		t.Fatal("plaintext password reached storage")
	}

	out, err := svc.Load(ctx, "u1", "ibkr")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out == nil || *out != in {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestCredentialServiceLoadAbsent(t *testing.T) {
	svc := NewCredentialService(newMockRepository(), newTestSealer(t))

	c, err := svc.Load(context.Background(), "u1", "fmp")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c != nil {
		t.Fatalf("expected nil credentials, got %+v", c)
	}
}

func TestCredentialServiceTamperedBlob(t *testing.T) {
	repo := newMockRepository()
	svc := NewCredentialService(repo, newTestSealer(t))
	ctx := context.Background()

	if err := svc.Save(ctx, "u1", "ibkr", port.Credentials{APIKey: "k"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	blob := repo.blobs[blobKey("u1", "ibkr")]
	blob[len(blob)-1] ^= 0xff

	c, err := svc.Load(ctx, "u1", "ibkr")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c != nil {
		t.Fatal("tampered blob must load as not-configured")
	}
}

func TestCredentialServiceSaveRejectsEmpty(t *testing.T) {
	svc := NewCredentialService(newMockRepository(), newTestSealer(t))
	if err := svc.Save(context.Background(), "u1", "fmp", port.Credentials{}); err == nil {
		t.Fatal("expected error for empty credentials")
	}
}

func TestCredentialServiceClear(t *testing.T) {
	repo := newMockRepository()
	svc := NewCredentialService(repo, newTestSealer(t))
	ctx := context.Background()

	var cleared []string
	svc.OnClear = func(userID, vendor string) {
		cleared = append(cleared, userID+"/"+vendor)
	}

	if err := svc.Save(ctx, "u1", "ibkr", port.Credentials{Username: "a", Password: "b"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := svc.Clear(ctx, "u1", "ibkr"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if ok, _ := svc.Configured(ctx, "u1", "ibkr"); ok {
		t.Fatal("credentials still configured after clear")
	}
	if len(cleared) != 1 || cleared[0] != "u1/ibkr" {
		t.Fatalf("OnClear not invoked correctly: %v", cleared)
	}

	// Clearing again is a no-op, not an error.
	if err := svc.Clear(ctx, "u1", "ibkr"); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}
