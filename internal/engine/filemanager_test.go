package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rehmatworks/fastcp-engine/internal/models"
)

// homeWith creates a provisioned tenant whose home carries the account
// files a real setup leaves behind
func homeWith(t *testing.T, env *testEnv, username string) (*models.Tenant, string) {
	t.Helper()
	tenant := env.tenant(t, username, models.CreateTenantRequest{})
	home := filepath.Join(env.cfg.UsersDir, username)
	if err := os.MkdirAll(filepath.Join(home, "run"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(home, ".profile"), []byte("umask 022\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return tenant, home
}

func names(entries []models.FileEntry) map[string]bool {
	m := make(map[string]bool)
	for _, e := range entries {
		m[e.Name] = true
	}
	return m
}

func TestFileManagerOperations(t *testing.T) {
	env := newTestEngine(t)
	tenant, home := homeWith(t, env, "tara")
	ctx := context.Background()
	apps := filepath.Join(home, "apps")

	dir, err := env.engine.CreateItem(ctx, models.CreateItemRequest{TenantID: tenant.ID, Path: apps, Name: "site", IsDir: true})
	if err != nil {
		t.Fatalf("CreateItem dir: %v", err)
	}
	file, err := env.engine.CreateItem(ctx, models.CreateItemRequest{TenantID: tenant.ID, Path: dir, Name: "index.php"})
	if err != nil {
		t.Fatalf("CreateItem file: %v", err)
	}
	if _, err := env.engine.CreateItem(ctx, models.CreateItemRequest{TenantID: tenant.ID, Path: dir, Name: "index.php"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("existing entry must not be replaced, got %v", err)
	}
	if !env.rec.Ran("chown -R tara:tara " + file) {
		t.Fatalf("created file not handed to the tenant: %v", env.rec.Lines())
	}

	if err := env.engine.WriteFile(ctx, models.WriteFileRequest{TenantID: tenant.ID, Path: file, Content: "<?php echo 1;"}); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	content, err := env.engine.ReadFile(ctx, models.FileRequest{TenantID: tenant.ID, Path: file})
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if content.Content != "<?php echo 1;" || content.Size != 13 {
		t.Fatalf("unexpected content %+v", content)
	}

	entries, err := env.engine.ListFiles(ctx, models.ListFilesRequest{TenantID: tenant.ID, Path: dir})
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "index.php" || entries[0].IsDir {
		t.Fatalf("unexpected listing %+v", entries)
	}

	if err := env.engine.RenameItem(ctx, models.RenameItemRequest{TenantID: tenant.ID, Path: dir, OldName: "index.php", NewName: "home.php"}); err != nil {
		t.Fatalf("RenameItem: %v", err)
	}
	renamed := filepath.Join(dir, "home.php")
	if err := env.engine.Chmod(ctx, models.ChmodRequest{TenantID: tenant.ID, Path: renamed, Mode: "600"}); err != nil {
		t.Fatalf("Chmod: %v", err)
	}
	if info, _ := os.Stat(renamed); info.Mode().Perm() != 0600 {
		t.Fatalf("mode = %v", info.Mode().Perm())
	}
	if err := env.engine.Chmod(ctx, models.ChmodRequest{TenantID: tenant.ID, Path: renamed, Mode: "4755"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("setuid must be refused, got %v", err)
	}

	other, err := env.engine.CreateItem(ctx, models.CreateItemRequest{TenantID: tenant.ID, Path: apps, Name: "other", IsDir: true})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.engine.MoveItems(ctx, models.MoveItemsRequest{TenantID: tenant.ID, Paths: []string{renamed}, Dest: other}); err != nil {
		t.Fatalf("MoveItems: %v", err)
	}
	moved := filepath.Join(other, "home.php")
	if _, err := os.Stat(moved); err != nil {
		t.Fatalf("moved file missing: %v", err)
	}

	if err := env.engine.DeleteItems(ctx, models.DeleteItemsRequest{TenantID: tenant.ID, Paths: []string{dir, moved}}); err != nil {
		t.Fatalf("DeleteItems: %v", err)
	}
	for _, p := range []string{dir, moved} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s should be removed", p)
		}
	}
}

func TestFileManagerHidesAccountFiles(t *testing.T) {
	env := newTestEngine(t)
	tenant, home := homeWith(t, env, "uma")
	ctx := context.Background()

	entries, err := env.engine.ListFiles(ctx, models.ListFilesRequest{TenantID: tenant.ID})
	if err != nil {
		t.Fatalf("ListFiles: %v", err)
	}
	got := names(entries)
	if !got["apps"] || got["run"] || got[".profile"] {
		t.Fatalf("home listing should show apps only, got %v", got)
	}

	// the same names deeper down are ordinary files
	nested := filepath.Join(home, "apps", ".profile")
	if err := os.WriteFile(nested, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	entries, err = env.engine.ListFiles(ctx, models.ListFilesRequest{TenantID: tenant.ID, Path: filepath.Join(home, "apps")})
	if err != nil {
		t.Fatal(err)
	}
	if !names(entries)[".profile"] {
		t.Fatalf("nested .profile should be listed")
	}
}

func TestFileManagerRefusesProtectedEntries(t *testing.T) {
	env := newTestEngine(t)
	tenant, home := homeWith(t, env, "vera")
	ctx := context.Background()
	profile := filepath.Join(home, ".profile")
	run := filepath.Join(home, "run")

	tests := []struct {
		name string
		op   func() error
	}{
		{"delete .profile", func() error {
			return env.engine.DeleteItems(ctx, models.DeleteItemsRequest{TenantID: tenant.ID, Paths: []string{profile}})
		}},
		{"delete run", func() error {
			return env.engine.DeleteItems(ctx, models.DeleteItemsRequest{TenantID: tenant.ID, Paths: []string{run}})
		}},
		{"delete home", func() error {
			return env.engine.DeleteItems(ctx, models.DeleteItemsRequest{TenantID: tenant.ID, Paths: []string{home}})
		}},
		{"rename run", func() error {
			return env.engine.RenameItem(ctx, models.RenameItemRequest{TenantID: tenant.ID, Path: home, OldName: "run", NewName: "gone"})
		}},
		{"overwrite .profile", func() error {
			return env.engine.WriteFile(ctx, models.WriteFileRequest{TenantID: tenant.ID, Path: profile, Content: "exec evil"})
		}},
		{"chmod home", func() error {
			return env.engine.Chmod(ctx, models.ChmodRequest{TenantID: tenant.ID, Path: home, Mode: "777"})
		}},
		{"create in home", func() error {
			_, err := env.engine.CreateItem(ctx, models.CreateItemRequest{TenantID: tenant.ID, Path: home, Name: ".bashrc"})
			return err
		}},
		{"move run into apps", func() error {
			return env.engine.MoveItems(ctx, models.MoveItemsRequest{TenantID: tenant.ID, Paths: []string{run}, Dest: filepath.Join(home, "apps")})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	data, err := os.ReadFile(profile)
	if err != nil || string(data) != "umask 022\n" {
		t.Fatalf(".profile changed: %q, %v", data, err)
	}
	if info, err := os.Stat(run); err != nil || !info.IsDir() {
		t.Fatalf("run/ should survive: %v", err)
	}
}

func TestFileManagerRefusesSandboxEscapes(t *testing.T) {
	env := newTestEngine(t)
	tenant, home := homeWith(t, env, "wes")
	env.tenant(t, "xena", models.CreateTenantRequest{})
	ctx := context.Background()
	apps := filepath.Join(home, "apps")

	outside := t.TempDir()
	secret := filepath.Join(outside, "secret")
	if err := os.WriteFile(secret, []byte("root only"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(outside, filepath.Join(apps, "out")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(secret, filepath.Join(apps, "secret-link")); err != nil {
		t.Fatal(err)
	}
	neighbour := filepath.Join(env.cfg.UsersDir, "xena", "apps", "note.txt")
	if err := os.WriteFile(neighbour, []byte("xena"), 0644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		op   func() error
	}{
		{"list through link", func() error {
			_, err := env.engine.ListFiles(ctx, models.ListFilesRequest{TenantID: tenant.ID, Path: filepath.Join(apps, "out")})
			return err
		}},
		{"read through link", func() error {
			_, err := env.engine.ReadFile(ctx, models.FileRequest{TenantID: tenant.ID, Path: filepath.Join(apps, "secret-link")})
			return err
		}},
		{"write through link dir", func() error {
			return env.engine.WriteFile(ctx, models.WriteFileRequest{TenantID: tenant.ID, Path: filepath.Join(apps, "out", "planted"), Content: "x"})
		}},
		{"write through file link", func() error {
			return env.engine.WriteFile(ctx, models.WriteFileRequest{TenantID: tenant.ID, Path: filepath.Join(apps, "secret-link"), Content: "x"})
		}},
		{"create through link", func() error {
			_, err := env.engine.CreateItem(ctx, models.CreateItemRequest{TenantID: tenant.ID, Path: filepath.Join(apps, "out"), Name: "planted"})
			return err
		}},
		{"delete through link", func() error {
			return env.engine.DeleteItems(ctx, models.DeleteItemsRequest{TenantID: tenant.ID, Paths: []string{filepath.Join(apps, "out", "secret")}})
		}},
		{"chmod link target", func() error {
			return env.engine.Chmod(ctx, models.ChmodRequest{TenantID: tenant.ID, Path: filepath.Join(apps, "secret-link"), Mode: "666"})
		}},
		{"dot dot", func() error {
			_, err := env.engine.ReadFile(ctx, models.FileRequest{TenantID: tenant.ID, Path: apps + "/../../xena/apps/note.txt"})
			return err
		}},
		{"encoded dot dot", func() error {
			return env.engine.DeleteItems(ctx, models.DeleteItemsRequest{TenantID: tenant.ID, Paths: []string{apps + "/..%2F..%2Fxena%2Fapps%2Fnote.txt"}})
		}},
		{"other tenant", func() error {
			return env.engine.DeleteItems(ctx, models.DeleteItemsRequest{TenantID: tenant.ID, Paths: []string{neighbour}})
		}},
		{"rename across directories", func() error {
			return env.engine.RenameItem(ctx, models.RenameItemRequest{TenantID: tenant.ID, Path: apps, OldName: "secret-link", NewName: "..%2F..%2Fxena%2Fapps%2Fx"})
		}},
		{"move out of the sandbox", func() error {
			return env.engine.MoveItems(ctx, models.MoveItemsRequest{TenantID: tenant.ID, Paths: []string{filepath.Join(apps, "secret-link")}, Dest: outside})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.op(); !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}

	data, err := os.ReadFile(secret)
	if err != nil || string(data) != "root only" {
		t.Fatalf("secret changed: %q, %v", data, err)
	}
	if info, _ := os.Stat(secret); info.Mode().Perm() != 0600 {
		t.Fatalf("secret mode changed to %v", info.Mode().Perm())
	}
	if _, err := os.Stat(filepath.Join(outside, "planted")); !os.IsNotExist(err) {
		t.Fatalf("file planted outside the sandbox")
	}
	if _, err := os.Stat(neighbour); err != nil {
		t.Fatalf("other tenant's file touched: %v", err)
	}

	// removing the link removes only the link
	if err := env.engine.DeleteItems(ctx, models.DeleteItemsRequest{TenantID: tenant.ID, Paths: []string{filepath.Join(apps, "out")}}); err != nil {
		t.Fatalf("deleting the link itself: %v", err)
	}
	if _, err := os.Stat(secret); err != nil {
		t.Fatalf("link target removed: %v", err)
	}
}
