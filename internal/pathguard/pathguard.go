// Package pathguard confines client-supplied paths to a tenant's sandbox
// before the file manager touches disk on the tenant's behalf.
package pathguard

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// MaxDecodePasses bounds percent-decoding of client input.
const MaxDecodePasses = 3

var (
	ErrInvalidPath     = errors.New("invalid path")
	ErrOutsideSandbox  = errors.New("path outside sandbox")
	ErrNotOwner        = errors.New("path not owned by an authorized tenant")
	ErrProtectedPath   = errors.New("path is protected")
	ErrNotFound        = errors.New("path does not exist")
	ErrNotDirectory    = errors.New("path is not a directory")
	ErrEmptyPath       = errors.New("path is required")
	errTooDeepEncoding = fmt.Errorf("%w: too many encoding layers", ErrInvalidPath)
)

// Mode selects how strictly a path is checked.
type Mode int

const (
	// ModeList treats an empty path as the sandbox root and requires an
	// existing directory.
	ModeList Mode = iota
	// ModeRead requires the path to exist.
	ModeRead
	// ModeMutate rejects empty paths; the target may not exist yet.
	ModeMutate
)

// Subject is the tenant a path is resolved for.
type Subject struct {
	Username    string
	IsSuperuser bool
}

// Guard resolves paths below Root.
type Guard struct {
	Root string
	// Authorized reports whether subject may act on files owned by the
	// tenant named owner. Nil allows every owner.
	Authorized func(subject Subject, owner string) bool
}

// New creates a guard rooted at the file manager root
func New(root string) *Guard {
	return &Guard{Root: filepath.Clean(root)}
}

// SandboxRoot returns the directory subject is confined to
func (g *Guard) SandboxRoot(s Subject) string {
	if s.IsSuperuser {
		return g.Root
	}
	return filepath.Join(g.Root, s.Username)
}

func decodeOnce(s string) string {
	d, err := url.PathUnescape(s)
	if err != nil {
		return s
	}
	return d
}

// Decode percent-decodes raw until it is stable, at most MaxDecodePasses
// times. Input that is still changing after that is rejected.
func Decode(raw string) (string, error) {
	s := raw
	for i := 0; i < MaxDecodePasses; i++ {
		next := decodeOnce(s)
		if next == s {
			return s, nil
		}
		s = next
	}
	if decodeOnce(s) != s {
		return "", errTooDeepEncoding
	}
	return s, nil
}

// ResolveAndCheck canonicalizes raw for subject and verifies confinement.
// Symlinks are not resolved; use ResolveExisting where that matters.
func (g *Guard) ResolveAndCheck(raw string, s Subject, mode Mode) (string, error) {
	if !s.IsSuperuser && (s.Username == "" || strings.ContainsAny(s.Username, "/\x00") || s.Username == "." || s.Username == "..") {
		return "", fmt.Errorf("%w: bad subject", ErrInvalidPath)
	}

	decoded, err := Decode(raw)
	if err != nil {
		return "", err
	}
	decoded = strings.TrimSpace(decoded)
	if strings.ContainsRune(decoded, 0) {
		return "", fmt.Errorf("%w: NUL byte", ErrInvalidPath)
	}

	sandbox := g.SandboxRoot(s)
	if decoded == "" {
		if mode == ModeMutate {
			return "", ErrEmptyPath
		}
		decoded = sandbox
	}
	if !filepath.IsAbs(decoded) {
		return "", fmt.Errorf("%w: %q is not absolute", ErrOutsideSandbox, decoded)
	}

	clean := filepath.Clean(decoded)
	if !within(sandbox, clean) {
		return "", ErrOutsideSandbox
	}

	if s.IsSuperuser && mode == ModeMutate {
		owner := g.owner(clean)
		if owner == "" {
			return "", ErrNotOwner
		}
		if g.Authorized != nil && !g.Authorized(s, owner) {
			return "", ErrNotOwner
		}
	}

	switch mode {
	case ModeList:
		info, err := os.Stat(clean)
		if err != nil {
			return "", ErrNotFound
		}
		if !info.IsDir() {
			return "", ErrNotDirectory
		}
	case ModeRead:
		if _, err := os.Stat(clean); err != nil {
			return "", ErrNotFound
		}
	}

	return clean, nil
}

// IsAllowed is the mutation check for tenant-initiated file operations.
// On top of ResolveAndCheck it refuses the tenant home itself and its
// direct children (.profile, run/, apps/ ...).
func (g *Guard) IsAllowed(raw string, s Subject) (string, error) {
	clean, err := g.ResolveAndCheck(raw, s, ModeMutate)
	if err != nil {
		return "", err
	}
	owner := g.owner(clean)
	if owner == "" {
		return "", ErrProtectedPath
	}
	rel, err := filepath.Rel(filepath.Join(g.Root, owner), clean)
	if err != nil || rel == "." {
		return "", ErrProtectedPath
	}
	if len(strings.Split(rel, string(filepath.Separator))) < 2 {
		return "", ErrProtectedPath
	}
	return clean, nil
}

// ResolveExisting is the stricter check: the path must exist and remain
// inside the sandbox after following symlinks.
func (g *Guard) ResolveExisting(raw string, s Subject) (string, error) {
	clean, err := g.ResolveAndCheck(raw, s, ModeRead)
	if err != nil {
		return "", err
	}
	resolved, err := filepath.EvalSymlinks(clean)
	if err != nil {
		return "", ErrNotFound
	}
	sandbox := g.SandboxRoot(s)
	if rs, err := filepath.EvalSymlinks(sandbox); err == nil {
		sandbox = rs
	}
	if !within(sandbox, resolved) {
		return "", ErrOutsideSandbox
	}
	return resolved, nil
}

// OwnerHome returns the home directory of the tenant owning p, or ""
// when p is Root itself or outside it
func (g *Guard) OwnerHome(p string) string {
	owner := g.owner(p)
	if owner == "" {
		return ""
	}
	return filepath.Join(g.Root, owner)
}

// owner returns the first segment of p below Root.
func (g *Guard) owner(p string) string {
	rel, err := filepath.Rel(g.Root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return strings.Split(rel, string(filepath.Separator))[0]
}

func within(root, p string) bool {
	if p == root {
		return true
	}
	if root == string(filepath.Separator) {
		return strings.HasPrefix(p, root)
	}
	return strings.HasPrefix(p, root+string(filepath.Separator))
}
