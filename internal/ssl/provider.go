package ssl

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-acme/lego/v4/challenge/http01"
)

// WebrootProvider publishes HTTP-01 key authorizations as files under the
// well-known directory nginx serves at /.well-known/. It remembers every
// file it wrote so RemoveAll can clear leftovers after a failed attempt.
type WebrootProvider struct {
	dir string

	mu      sync.Mutex
	written map[string]struct{}
}

// NewWebrootProvider creates a provider writing below wellKnownDir
func NewWebrootProvider(wellKnownDir string) *WebrootProvider {
	return &WebrootProvider{dir: wellKnownDir, written: make(map[string]struct{})}
}

// TokenPath is the file that serves token
func (p *WebrootProvider) TokenPath(token string) string {
	rel := strings.TrimPrefix(http01.ChallengePath(token), "/.well-known/")
	return filepath.Join(p.dir, filepath.FromSlash(rel))
}

// Present writes the key authorization for token
func (p *WebrootProvider) Present(domain, token, keyAuth string) error {
	if token == "" || strings.ContainsAny(token, `/\`) || token == ".." {
		return fmt.Errorf("invalid challenge token %q", token)
	}
	path := p.TokenPath(token)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create challenge dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(keyAuth), 0644); err != nil {
		return fmt.Errorf("failed to write challenge token: %w", err)
	}

	p.mu.Lock()
	p.written[path] = struct{}{}
	p.mu.Unlock()
	return nil
}

// CleanUp removes the file for token
func (p *WebrootProvider) CleanUp(domain, token, keyAuth string) error {
	path := p.TokenPath(token)
	p.mu.Lock()
	delete(p.written, path)
	p.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RemoveAll deletes every token file still on disk
func (p *WebrootProvider) RemoveAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for path := range p.written {
		os.Remove(path)
		delete(p.written, path)
	}
}

// Pending returns how many token files are still on disk
func (p *WebrootProvider) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.written)
}
