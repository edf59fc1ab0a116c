package ssl

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/registration"
)

const (
	accountKeyFile  = "account.key"
	accountFile     = "account.json"
	accountLockFile = "account.lock"
)

// Account implements registration.User. One account is shared by every
// issuance on the host; no email is registered.
type Account struct {
	Registration *registration.Resource `json:"registration"`
	key          crypto.PrivateKey
}

func (a *Account) GetEmail() string                        { return "" }
func (a *Account) GetRegistration() *registration.Resource { return a.Registration }
func (a *Account) GetPrivateKey() crypto.PrivateKey        { return a.key }

// RegisterFunc registers a freshly generated account with the CA
type RegisterFunc func(a *Account) (*registration.Resource, error)

// AccountStore persists the ACME account key and registration under dir
type AccountStore struct {
	dir string
}

// NewAccountStore creates a store rooted at dir
func NewAccountStore(dir string) *AccountStore {
	return &AccountStore{dir: dir}
}

// LoadOrCreate returns the persisted account, or generates and registers
// a new one. Creation runs under an exclusive file lock and re-checks
// after acquiring it, so concurrent processes register exactly once.
func (s *AccountStore) LoadOrCreate(register RegisterFunc) (*Account, error) {
	if a, err := s.load(); err == nil {
		return a, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create account directory: %w", err)
	}
	unlock, err := lockFile(filepath.Join(s.dir, accountLockFile))
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	defer unlock()

	if a, err := s.load(); err == nil {
		return a, nil
	}

	key, err := certcrypto.GeneratePrivateKey(certcrypto.RSA2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}
	a := &Account{key: key}
	reg, err := register(a)
	if err != nil {
		return nil, fmt.Errorf("failed to register ACME account: %w", err)
	}
	a.Registration = reg

	if err := s.save(a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *AccountStore) load() (*Account, error) {
	keyData, err := os.ReadFile(filepath.Join(s.dir, accountKeyFile))
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, accountFile))
	if err != nil {
		return nil, err
	}

	var a Account
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse account: %w", err)
	}
	if a.Registration == nil {
		return nil, fmt.Errorf("account has no registration: %w", os.ErrNotExist)
	}
	a.key, err = certcrypto.ParsePEMPrivateKey(keyData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse account key: %w", err)
	}
	return &a, nil
}

func (s *AccountStore) save(a *Account) error {
	if err := os.WriteFile(filepath.Join(s.dir, accountKeyFile), certcrypto.PEMEncode(a.key), 0600); err != nil {
		return fmt.Errorf("failed to save account key: %w", err)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal account: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, accountFile), data, 0600); err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}
