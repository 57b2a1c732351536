package node

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
)

// Identity is the provisioned identity a node keeps across restarts.
// A node with a stored identity rejoins its group directly instead of
// waiting to be provisioned again.
type Identity struct {
	GroupID    uint8  `cbor:"1,keyasint"`
	Name       string `cbor:"2,keyasint"`
	ConfigData []byte `cbor:"3,keyasint"`
}

// IdentityStore persists an Identity as a CBOR file.
type IdentityStore struct {
	path string
}

// NewIdentityStore creates a store backed by the given file path.
func NewIdentityStore(path string) *IdentityStore {
	return &IdentityStore{path: path}
}

// Load reads the stored identity. Returns nil with no error when no
// identity has been stored.
func (s *IdentityStore) Load() (*Identity, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading identity: %w", err)
	}

	var id Identity
	if err := cbor.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("decoding identity: %w", err)
	}
	return &id, nil
}

// Save writes the identity, replacing any previous one. The write goes
// through a temp file and rename so a crash never leaves a torn file.
func (s *IdentityStore) Save(id *Identity) error {
	data, err := cbor.Marshal(id)
	if err != nil {
		return fmt.Errorf("encoding identity: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing identity: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing identity: %w", err)
	}
	return nil
}

// Clear removes the stored identity. Clearing an absent identity is not
// an error.
func (s *IdentityStore) Clear() error {
	err := os.Remove(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clearing identity: %w", err)
	}
	return nil
}
