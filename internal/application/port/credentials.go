package port

import "context"

// Credentials is a decrypted vendor credential payload. It only ever
// lives in memory; persistence goes through Sealer + Repository.
type Credentials struct {
	APIKey   string `json:"api_key,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Gateway  string `json:"gateway,omitempty"` // "paper" | "live"
}

// Empty reports whether no usable secret is present.
func (c Credentials) Empty() bool {
	return c.APIKey == "" && c.Username == "" && c.Password == ""
}

// CredentialVault stores vendor credentials per user. Load returns
// (nil, nil) when nothing is configured or the stored blob cannot be
// decrypted; absence is never an error.
type CredentialVault interface {
	Save(ctx context.Context, userID, vendor string, c Credentials) error
	Load(ctx context.Context, userID, vendor string) (*Credentials, error)
	Clear(ctx context.Context, userID, vendor string) error
}

// Sealer is a reversible authenticated cipher for credential blobs.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}
