package pathguard

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var alice = Subject{Username: "alice"}

func genSegments() gopter.Gen {
	return gen.SliceOfN(4, gen.OneConstOf("alice", "bob", "apps", "..", ".", "", "public", "a b", "x%y")).
		Map(func(segs []string) string {
			return "/" + strings.Join(segs, "/")
		})
}

func encodeN(s string, n int) string {
	for i := 0; i < n; i++ {
		s = url.PathEscape(s)
	}
	return s
}

func TestConfinementProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	g := New("/srv/fm")

	properties.Property("paths outside the sandbox are rejected", prop.ForAll(
		func(p string) bool {
			got, err := g.ResolveAndCheck("/srv/fm"+p, alice, ModeMutate)
			decoded, derr := Decode("/srv/fm" + p)
			if derr != nil {
				return err != nil
			}
			clean := filepath.Clean(strings.TrimSpace(decoded))
			if !within("/srv/fm/alice", clean) {
				return err != nil
			}
			return err == nil && got == clean
		},
		genSegments(),
	))

	properties.Property("accepted paths are decode-stable", prop.ForAll(
		func(p string, layers int) bool {
			raw := encodeN("/srv/fm/alice"+p, layers)
			got, err := g.ResolveAndCheck(raw, alice, ModeMutate)
			if err != nil {
				return true
			}
			return decodeOnce(got) == got && within("/srv/fm/alice", got)
		},
		genSegments(),
		gen.IntRange(0, MaxDecodePasses),
	))

	properties.TestingRun(t)
}

func TestDecodeRejectsFourLayers(t *testing.T) {
	raw := encodeN("/srv/fm/alice/a b", 4)
	if _, err := Decode(raw); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	got, err := Decode(encodeN("/srv/fm/alice/a b", 3))
	if err != nil || got != "/srv/fm/alice/a b" {
		t.Fatalf("three layers should decode, got %q %v", got, err)
	}
}

func TestResolveAndCheck(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "alice", "apps", "blog"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "alice", ".profile"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	g := New(root)

	cases := []struct {
		name string
		raw  string
		sub  Subject
		mode Mode
		want error
	}{
		{"empty list is sandbox root", "", alice, ModeList, nil},
		{"empty mutate rejected", "", alice, ModeMutate, ErrEmptyPath},
		{"traversal", root + "/alice/../bob", alice, ModeMutate, ErrOutsideSandbox},
		{"encoded traversal", url.PathEscape(root + "/alice/../../etc"), alice, ModeMutate, ErrOutsideSandbox},
		{"sibling prefix", root + "/alicex/file", alice, ModeMutate, ErrOutsideSandbox},
		{"relative", "alice/apps", alice, ModeMutate, ErrOutsideSandbox},
		{"missing listing", root + "/alice/nope", alice, ModeList, ErrNotFound},
		{"listing a file", root + "/alice/.profile", alice, ModeList, ErrNotDirectory},
		{"missing mutate target ok", root + "/alice/apps/blog/new.txt", alice, ModeMutate, nil},
		{"superuser root listing", "", Subject{IsSuperuser: true}, ModeList, nil},
		{"superuser mutate root", root, Subject{IsSuperuser: true}, ModeMutate, ErrNotOwner},
	}

	for _, tc := range cases {
		_, err := g.ResolveAndCheck(tc.raw, tc.sub, tc.mode)
		if tc.want == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if tc.want != nil && !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestSuperuserOwnerAuthorization(t *testing.T) {
	g := New("/srv/fm")
	g.Authorized = func(s Subject, owner string) bool { return owner == "alice" }
	admin := Subject{Username: "root", IsSuperuser: true}

	if _, err := g.ResolveAndCheck("/srv/fm/alice/apps/x", admin, ModeMutate); err != nil {
		t.Fatalf("expected alice's tree to be allowed, got %v", err)
	}
	if _, err := g.ResolveAndCheck("/srv/fm/mallory/apps/x", admin, ModeMutate); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
}

func TestIsAllowedDepth(t *testing.T) {
	g := New("/srv/fm")

	for _, p := range []string{"/srv/fm/alice", "/srv/fm/alice/.profile", "/srv/fm/alice/run", "/srv/fm/alice/apps"} {
		if _, err := g.IsAllowed(p, alice); !errors.Is(err, ErrProtectedPath) {
			t.Fatalf("%s: expected ErrProtectedPath, got %v", p, err)
		}
	}
	if _, err := g.IsAllowed("/srv/fm/alice/apps/blog", alice); err != nil {
		t.Fatalf("expected depth-2 path to be allowed, got %v", err)
	}
}

func TestResolveExistingFollowsSymlinks(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "alice", "apps"), 0755); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "alice", "apps", "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatal(err)
	}

	g := New(root)
	if _, err := g.ResolveAndCheck(link, alice, ModeRead); err != nil {
		t.Fatalf("lexical check should pass, got %v", err)
	}
	if _, err := g.ResolveExisting(link, alice); !errors.Is(err, ErrOutsideSandbox) {
		t.Fatalf("expected ErrOutsideSandbox, got %v", err)
	}
}
