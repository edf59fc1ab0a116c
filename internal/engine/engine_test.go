package engine

import (
	"archive/zip"
	"context"
	"crypto"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rehmatworks/fastcp-engine/internal/database"
	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/saga"
	"github.com/rehmatworks/fastcp-engine/internal/ssl"
	"github.com/rehmatworks/fastcp-engine/internal/system"
)

type fakeMySQL struct {
	mu         sync.Mutex
	statements []string
	failSetup  bool
	exists     bool
}

func (f *fakeMySQL) log(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statements = append(f.statements, s)
}

func (f *fakeMySQL) SetupDB(ctx context.Context, user, password, dbname string) error {
	f.log("setup " + dbname + " " + user)
	if f.failSetup {
		return errors.New("ERROR 1396: operation CREATE USER failed")
	}
	return nil
}

func (f *fakeMySQL) DropDB(ctx context.Context, dbname string) error {
	f.log("dropdb " + dbname)
	return nil
}

func (f *fakeMySQL) DropUser(ctx context.Context, user string) error {
	f.log("dropuser " + user)
	return nil
}

func (f *fakeMySQL) UpdatePassword(ctx context.Context, user, password string) error {
	f.log("password " + user)
	return nil
}

func (f *fakeMySQL) Exists(ctx context.Context, dbname, user string) (bool, error) {
	return f.exists, nil
}

type noIssuer struct{}

func (noIssuer) Issue(ctx context.Context, domains []string, key crypto.PrivateKey) (*ssl.Bundle, error) {
	return nil, errors.New("issuer not available in tests")
}

type testEnv struct {
	engine *Engine
	store  *database.DB
	mysql  *fakeMySQL
	rec    *system.Recorder
	cfg    *models.Config
}

func newTestEngine(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	cfg := &models.Config{
		DataDir:         filepath.Join(root, "data"),
		UsersDir:        filepath.Join(root, "home"),
		FileManagerRoot: filepath.Join(root, "home"),
		PHPInstallPath:  filepath.Join(root, "php"),
		NginxVhostsDir:  filepath.Join(root, "nginx"),
		SSLDir:          filepath.Join(root, "ssl"),
		WellKnownDir:    filepath.Join(root, "well-known"),
		SharedGroup:     "fastcp-users",
		WebServerGroup:  "www-data",
		DefaultPHP:      "8.3",
		HTTPTimeoutSec:  1,
	}
	store, err := database.Open(filepath.Join(root, "fastcp.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{store: store, mysql: &fakeMySQL{}, rec: &system.Recorder{}, cfg: cfg}
	env.engine, err = New(Options{
		Config: cfg,
		Store:  store,
		MySQL:  env.mysql,
		Runner: env.rec,
		Issuer: noIssuer{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return env
}

func (env *testEnv) tenant(t *testing.T, username string, req models.CreateTenantRequest) *models.Tenant {
	t.Helper()
	req.Username = username
	ctx := context.Background()
	tenant, err := env.store.CreateTenant(ctx, req)
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	if err := env.store.SetTenantUID(ctx, tenant.ID, 1001); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(env.cfg.UsersDir, username, "apps"), 0755); err != nil {
		t.Fatal(err)
	}
	return tenant
}

func TestDatabaseQuotaRejectsBeforeAnyStatement(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "alice", models.CreateTenantRequest{MaxDatabases: 1})
	ctx := context.Background()

	if _, err := env.engine.CreateDatabase(ctx, models.CreateDatabaseRequest{
		TenantID: tenant.ID, Name: "alice_wp", Username: "alice_wp", Password: "pw1",
	}); err != nil {
		t.Fatalf("first database: %v", err)
	}
	before := len(env.mysql.statements)

	_, err := env.engine.CreateDatabase(ctx, models.CreateDatabaseRequest{
		TenantID: tenant.ID, Name: "alice_shop", Username: "alice_shop", Password: "pw2",
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if len(env.mysql.statements) != before {
		t.Fatalf("no statement may run after quota rejection: %v", env.mysql.statements[before:])
	}
	if n, _ := env.store.CountDatabases(ctx, tenant.ID); n != 1 {
		t.Fatalf("database count = %d", n)
	}
}

func TestCreateDatabaseCleansUpAfterFailure(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "bob", models.CreateTenantRequest{})
	env.mysql.failSetup = true

	_, err := env.engine.CreateDatabase(context.Background(), models.CreateDatabaseRequest{
		TenantID: tenant.ID, Name: "bob_db", Username: "bob_user", Password: "pw",
	})
	if saga.FailedStep(err) != "server" {
		t.Fatalf("expected server step failure, got %v", err)
	}
	got := strings.Join(env.mysql.statements, "|")
	if got != "setup bob_db bob_user|dropdb bob_db|dropuser bob_user" {
		t.Fatalf("statements = %s", got)
	}
	if n, _ := env.store.CountDatabases(context.Background(), tenant.ID); n != 0 {
		t.Fatalf("no record should remain, got %d", n)
	}
}

func TestCreateDatabaseRejectsReservedAndExisting(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "carol", models.CreateTenantRequest{})
	ctx := context.Background()

	_, err := env.engine.CreateDatabase(ctx, models.CreateDatabaseRequest{
		TenantID: tenant.ID, Name: "mysql", Username: "carol", Password: "pw",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("reserved name should be a validation error, got %v", err)
	}

	env.mysql.exists = true
	_, err = env.engine.CreateDatabase(ctx, models.CreateDatabaseRequest{
		TenantID: tenant.ID, Name: "carol_db", Username: "carol_db", Password: "pw",
	})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("existing schema should be rejected, got %v", err)
	}
	if len(env.mysql.statements) != 0 {
		t.Fatalf("unexpected statements %v", env.mysql.statements)
	}
}

func TestDeleteDatabaseDropsBoth(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "dan", models.CreateTenantRequest{})
	ctx := context.Background()

	d, err := env.engine.CreateDatabase(ctx, models.CreateDatabaseRequest{
		TenantID: tenant.ID, Name: "dan_db", Username: "dan_db", Password: "pw",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.engine.DeleteDatabase(ctx, d.ID); err != nil {
		t.Fatalf("DeleteDatabase: %v", err)
	}
	got := strings.Join(env.mysql.statements, "|")
	if !strings.HasSuffix(got, "dropdb dan_db|dropuser dan_db") {
		t.Fatalf("statements = %s", got)
	}
	if err := env.engine.DeleteDatabase(ctx, d.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete should be ErrNotFound, got %v", err)
	}
}

func TestCreateWebsiteProvisionsEverything(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "erin", models.CreateTenantRequest{})
	ctx := context.Background()

	w, err := env.engine.CreateWebsite(ctx, models.CreateWebsiteRequest{
		TenantID: tenant.ID,
		Label:    "My Blog",
		Domains:  []string{"Blog.Example.com", "www.blog.example.com"},
	})
	if err != nil {
		t.Fatalf("CreateWebsite: %v", err)
	}
	if w.Slug != "my-blog" || w.PHPVersion != "8.3" {
		t.Fatalf("unexpected website %+v", w)
	}
	if names := w.DomainNames(); len(names) != 2 || names[0] != "blog.example.com" {
		t.Fatalf("domains = %v", names)
	}

	layout := env.engine.layout
	for _, path := range []string{
		layout.PublicDir("erin", "my-blog"),
		layout.PoolConfig("8.3", "my-blog"),
		layout.VhostHTTP("my-blog"),
	} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("%s missing: %v", path, err)
		}
	}
	if !env.rec.Ran("systemctl reload php8.3-fpm") || !env.rec.Ran("systemctl restart nginx") {
		t.Fatalf("expected service signals, got %v", env.rec.Lines())
	}

	second, err := env.engine.CreateWebsite(ctx, models.CreateWebsiteRequest{
		TenantID: tenant.ID,
		Label:    "my blog",
		Domains:  []string{"other.example.com"},
	})
	if err != nil {
		t.Fatalf("second website: %v", err)
	}
	if second.Slug != "my-blog-1" {
		t.Fatalf("slug = %q, want my-blog-1", second.Slug)
	}
}

func TestCreateWebsiteValidation(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "fred", models.CreateTenantRequest{MaxWebsites: 1})
	ctx := context.Background()

	cases := []models.CreateWebsiteRequest{
		{TenantID: tenant.ID, Label: "", Domains: []string{"a.example.com"}},
		{TenantID: tenant.ID, Label: "x", Domains: nil},
		{TenantID: tenant.ID, Label: "x", Domains: []string{"not a domain"}},
		{TenantID: tenant.ID, Label: "x", Domains: []string{"a.example.com"}, PHPVersion: "eight"},
	}
	for i, req := range cases {
		if _, err := env.engine.CreateWebsite(ctx, req); !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}

	if _, err := env.engine.CreateWebsite(ctx, models.CreateWebsiteRequest{
		TenantID: tenant.ID, Label: "one", Domains: []string{"one.example.com"},
	}); err != nil {
		t.Fatal(err)
	}
	_, err := env.engine.CreateWebsite(ctx, models.CreateWebsiteRequest{
		TenantID: tenant.ID, Label: "two", Domains: []string{"two.example.com"},
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected website quota, got %v", err)
	}
}

func TestCreateWebsiteRollsBackWhenPoolFails(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "gina", models.CreateTenantRequest{})
	// a file where the pool directory should be makes the pool write fail
	if err := os.WriteFile(env.cfg.PHPInstallPath, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := env.engine.CreateWebsite(context.Background(), models.CreateWebsiteRequest{
		TenantID: tenant.ID, Label: "shop", Domains: []string{"shop.example.com"},
	})
	if saga.FailedStep(err) != "php pool" {
		t.Fatalf("expected php pool failure, got %v", err)
	}
	if taken, _ := env.store.SlugTaken(context.Background(), "shop"); taken {
		t.Fatalf("website record should be rolled back")
	}
	if _, err := os.Stat(env.engine.layout.WebsiteBase("gina", "shop")); !os.IsNotExist(err) {
		t.Fatalf("website tree should be removed")
	}
}

func TestLastDomainCannotBeDeleted(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "hank", models.CreateTenantRequest{})
	ctx := context.Background()

	w, err := env.engine.CreateWebsite(ctx, models.CreateWebsiteRequest{
		TenantID: tenant.ID, Label: "site", Domains: []string{"site.example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}

	err = env.engine.DeleteDomain(ctx, models.DeleteDomainRequest{WebsiteID: w.ID, DomainID: w.Domains[0].ID})
	if !errors.Is(err, ErrLastDomain) {
		t.Fatalf("expected ErrLastDomain, got %v", err)
	}

	extra, err := env.engine.AddDomain(ctx, models.AddDomainRequest{WebsiteID: w.ID, Domain: "alias.example.com"})
	if err != nil {
		t.Fatalf("AddDomain: %v", err)
	}
	if _, err := env.engine.AddDomain(ctx, models.AddDomainRequest{WebsiteID: w.ID, Domain: "alias.example.com"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate domain should be rejected, got %v", err)
	}
	if err := env.engine.DeleteDomain(ctx, models.DeleteDomainRequest{WebsiteID: w.ID, DomainID: w.Domains[0].ID}); err != nil {
		t.Fatalf("deleting one of two domains: %v", err)
	}

	vhost, err := os.ReadFile(env.engine.layout.VhostHTTP(w.Slug))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(vhost), "site.example.com") || !strings.Contains(string(vhost), extra.Name) {
		t.Fatalf("vhost not rewritten:\n%s", vhost)
	}
}

func TestDeleteWebsiteRemovesEverything(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "ivy", models.CreateTenantRequest{})
	ctx := context.Background()

	w, err := env.engine.CreateWebsite(ctx, models.CreateWebsiteRequest{
		TenantID: tenant.ID, Label: "gone", Domains: []string{"gone.example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.engine.DeleteWebsite(ctx, w.ID); err != nil {
		t.Fatalf("DeleteWebsite: %v", err)
	}
	layout := env.engine.layout
	for _, path := range []string{layout.WebsiteBase("ivy", "gone"), layout.PoolConfig("8.3", "gone"), layout.VhostHTTP("gone")} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Fatalf("%s should be removed", path)
		}
	}
	if _, err := env.store.GetWebsite(ctx, w.ID); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("record should be removed, got %v", err)
	}
}

func TestChangePHPVersionMovesPool(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "jack", models.CreateTenantRequest{})
	ctx := context.Background()

	w, err := env.engine.CreateWebsite(ctx, models.CreateWebsiteRequest{
		TenantID: tenant.ID, Label: "app", Domains: []string{"app.example.com"}, PHPVersion: "8.1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.ChangePHPVersion(ctx, models.ChangePHPVersionRequest{WebsiteID: w.ID, PHPVersion: "8.3"}); err != nil {
		t.Fatalf("ChangePHPVersion: %v", err)
	}
	layout := env.engine.layout
	if _, err := os.Stat(layout.PoolConfig("8.3", "app")); err != nil {
		t.Fatalf("new pool missing: %v", err)
	}
	if _, err := os.Stat(layout.PoolConfig("8.1", "app")); !os.IsNotExist(err) {
		t.Fatalf("old pool should be removed")
	}
	got, _ := env.store.GetWebsite(ctx, w.ID)
	if got.PHPVersion != "8.3" {
		t.Fatalf("recorded version = %s", got.PHPVersion)
	}
}

func TestFTPHomeConfinedToSandbox(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "kate", models.CreateTenantRequest{MaxFTPAccounts: 1})
	env.tenant(t, "leo", models.CreateTenantRequest{})
	ctx := context.Background()

	for _, home := range []string{"/etc", filepath.Join(env.cfg.UsersDir, "leo", "apps"), filepath.Join(env.cfg.UsersDir, "kate", "..", "leo")} {
		_, err := env.engine.CreateFTPAccount(ctx, models.CreateFTPAccountRequest{
			TenantID: tenant.ID, Username: "kate_ftp", Password: "pw", HomeDir: home,
		})
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("home %s should be rejected, got %v", home, err)
		}
	}
	if env.rec.Ran("pure-pw") {
		t.Fatalf("pure-pw must not run for rejected homes")
	}

	acct, err := env.engine.CreateFTPAccount(ctx, models.CreateFTPAccountRequest{
		TenantID: tenant.ID, Username: "kate_ftp", Password: "pw", QuotaMB: 100,
	})
	if err != nil {
		t.Fatalf("CreateFTPAccount: %v", err)
	}
	if acct.HomeDir != filepath.Join(env.cfg.UsersDir, "kate", "apps") {
		t.Fatalf("home = %s", acct.HomeDir)
	}
	if !env.rec.Ran("pure-pw useradd kate_ftp -u kate -g kate") {
		t.Fatalf("unexpected commands %v", env.rec.Lines())
	}

	_, err = env.engine.CreateFTPAccount(ctx, models.CreateFTPAccountRequest{
		TenantID: tenant.ID, Username: "kate_two", Password: "pw",
	})
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ftp quota, got %v", err)
	}

	if err := env.engine.SetFTPLocked(ctx, acct.ID, true); err != nil {
		t.Fatal(err)
	}
	if !env.rec.Ran("pure-pw usermod kate_ftp -r 127.0.0.1/32 -m") {
		t.Fatalf("lock not applied: %v", env.rec.Lines())
	}
	if err := env.engine.DeleteFTPAccount(ctx, acct.ID); err != nil {
		t.Fatal(err)
	}
	if !env.rec.Ran("pure-pw userdel kate_ftp -m") {
		t.Fatalf("userdel not run: %v", env.rec.Lines())
	}
}

func TestFTPHomeRefusesPlantedSymlink(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "nora", models.CreateTenantRequest{})
	ctx := context.Background()

	outside := t.TempDir()
	link := filepath.Join(env.cfg.UsersDir, "nora", "apps", "x")
	if err := os.Symlink(outside, link); err != nil {
		t.Fatal(err)
	}
	_, err := env.engine.CreateFTPAccount(ctx, models.CreateFTPAccountRequest{
		TenantID: tenant.ID, Username: "nora_ftp", Password: "pw",
		HomeDir: filepath.Join(link, "cron.d"),
	})
	if !errors.Is(err, system.ErrSymlink) {
		t.Fatalf("expected ErrSymlink, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(outside, "cron.d")); err == nil {
		t.Fatalf("home created through the link")
	}
	if env.rec.Ran("pure-pw") {
		t.Fatalf("pure-pw must not run: %v", env.rec.Lines())
	}
}

func TestArchiveRoundTripInsideSandbox(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "mia", models.CreateTenantRequest{})
	ctx := context.Background()

	site := filepath.Join(env.cfg.UsersDir, "mia", "apps", "site")
	if err := os.MkdirAll(filepath.Join(site, "public"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(site, "public", "index.php"), []byte("<?php"), 0644); err != nil {
		t.Fatal(err)
	}

	path, err := env.engine.CreateArchive(ctx, models.CreateArchiveRequest{
		TenantID: tenant.ID, Root: site, Name: "backup", Paths: []string{"public"},
	})
	if err != nil {
		t.Fatalf("CreateArchive: %v", err)
	}
	if filepath.Base(path) != "backup.zip" {
		t.Fatalf("archive = %s", path)
	}

	dest := filepath.Join(env.cfg.UsersDir, "mia", "apps", "restore")
	if err := os.MkdirAll(dest, 0755); err != nil {
		t.Fatal(err)
	}
	if err := env.engine.ExtractArchive(ctx, models.ExtractArchiveRequest{TenantID: tenant.ID, Archive: path, Dest: dest}); err != nil {
		t.Fatalf("ExtractArchive: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dest, "public", "index.php")); err != nil {
		t.Fatalf("extracted file missing: %v", err)
	}

	err = env.engine.ExtractArchive(ctx, models.ExtractArchiveRequest{TenantID: tenant.ID, Archive: path, Dest: t.TempDir()})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("destination outside sandbox should be rejected, got %v", err)
	}
}

func TestExtractRejectsEscapingMembers(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "ned", models.CreateTenantRequest{})
	ctx := context.Background()

	dest := filepath.Join(env.cfg.UsersDir, "ned", "apps", "x")
	if err := os.MkdirAll(dest, 0755); err != nil {
		t.Fatal(err)
	}
	evil := filepath.Join(dest, "evil.zip")
	f, err := os.Create(evil)
	if err != nil {
		t.Fatal(err)
	}
	zw := zip.NewWriter(f)
	w, _ := zw.Create("../../../../escape.txt")
	w.Write([]byte("nope"))
	zw.Close()
	f.Close()

	err = env.engine.ExtractArchive(ctx, models.ExtractArchiveRequest{TenantID: tenant.ID, Archive: evil, Dest: dest})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.UsersDir, "escape.txt")); !os.IsNotExist(err) {
		t.Fatalf("member escaped the destination")
	}
}

func TestDeleteTenantCascades(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "olga", models.CreateTenantRequest{})
	ctx := context.Background()

	if _, err := env.engine.CreateWebsite(ctx, models.CreateWebsiteRequest{
		TenantID: tenant.ID, Label: "olga site", Domains: []string{"olga.example.com"},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.CreateDatabase(ctx, models.CreateDatabaseRequest{
		TenantID: tenant.ID, Name: "olga_db", Username: "olga_db", Password: "pw",
	}); err != nil {
		t.Fatal(err)
	}

	if err := env.engine.DeleteTenant(ctx, tenant.ID); err != nil {
		t.Fatalf("DeleteTenant: %v", err)
	}
	for _, want := range []string{"userdel -r olga", "groupdel olga", "gpasswd -d olga fastcp-users"} {
		if !env.rec.Ran(want) {
			t.Fatalf("%q not run: %v", want, env.rec.Lines())
		}
	}
	if !strings.Contains(strings.Join(env.mysql.statements, "|"), "dropdb olga_db") {
		t.Fatalf("database not dropped: %v", env.mysql.statements)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.UsersDir, "olga")); !os.IsNotExist(err) {
		t.Fatalf("home should be removed")
	}
	if _, err := env.store.GetTenant(ctx, tenant.ID); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("tenant record should be removed, got %v", err)
	}
}

func TestCreateTenantProvisionsAccount(t *testing.T) {
	env := newTestEngine(t)
	env.engine.accounts.LookupIDs = func(username string) (int, int, error) { return 1005, 1005, nil }
	ctx := context.Background()

	res, err := env.engine.CreateTenant(ctx, models.CreateTenantRequest{
		Username: "quinn", Password: "s3cret-pass", MaxWebsites: 2,
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	if res.UID != 1005 || res.Password != "s3cret-pass" {
		t.Fatalf("unexpected result %+v", res)
	}
	tenant, err := env.store.GetTenantByUsername(ctx, "quinn")
	if err != nil {
		t.Fatal(err)
	}
	if tenant.UID == nil || *tenant.UID != 1005 || tenant.MaxWebsites != 2 {
		t.Fatalf("tenant not recorded as provisioned: %+v", tenant)
	}
	for _, want := range []string{"groupadd quinn", "useradd", "chpasswd"} {
		if !env.rec.Ran(want) {
			t.Fatalf("%q not run: %v", want, env.rec.Lines())
		}
	}

	if _, err := env.engine.CreateWebsite(ctx, models.CreateWebsiteRequest{
		TenantID: tenant.ID, Label: "quinn", Domains: []string{"quinn.example.com"},
	}); err != nil {
		t.Fatalf("a created tenant should be usable right away: %v", err)
	}

	if _, err := env.engine.CreateTenant(ctx, models.CreateTenantRequest{Username: "quinn"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("duplicate username should be rejected, got %v", err)
	}
}

func TestCreateTenantRejectsBadNamesBeforeAnyCommand(t *testing.T) {
	env := newTestEngine(t)
	for _, name := range []string{"", "root", "Bad Name", "../etc", "a;rm"} {
		if _, err := env.engine.CreateTenant(context.Background(), models.CreateTenantRequest{Username: name}); !errors.Is(err, ErrValidation) {
			t.Fatalf("%q: expected validation error, got %v", name, err)
		}
	}
	if len(env.rec.Calls) != 0 {
		t.Fatalf("no command should run: %v", env.rec.Lines())
	}
	if tenants, _ := env.store.ListTenants(context.Background()); len(tenants) != 0 {
		t.Fatalf("no tenant should be recorded, got %d", len(tenants))
	}
}

func TestCreateTenantRemovesRecordWhenSetupFails(t *testing.T) {
	env := newTestEngine(t)
	env.rec.Fail = func(c system.Call) bool { return c.Name == "useradd" }
	ctx := context.Background()

	_, err := env.engine.CreateTenant(ctx, models.CreateTenantRequest{Username: "rita"})
	if saga.FailedStep(err) != "user" {
		t.Fatalf("expected user step failure, got %v", err)
	}
	if !env.rec.Ran("groupdel rita") {
		t.Fatalf("group should be rolled back: %v", env.rec.Lines())
	}
	if _, err := env.store.GetTenantByUsername(ctx, "rita"); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("tenant record should be removed, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(env.cfg.UsersDir, "rita")); !os.IsNotExist(err) {
		t.Fatalf("home should be removed")
	}
}

func TestDeleteDomainKeepsRecordWhenVhostFails(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "ruth", models.CreateTenantRequest{})
	ctx := context.Background()

	w, err := env.engine.CreateWebsite(ctx, models.CreateWebsiteRequest{
		TenantID: tenant.ID, Label: "ruth", Domains: []string{"ruth.example.com", "www.ruth.example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}
	// a directory where the vhost file goes makes every rewrite fail
	vhost := env.engine.layout.VhostHTTP(w.Slug)
	if err := os.Remove(vhost); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(vhost, "blocker"), 0755); err != nil {
		t.Fatal(err)
	}

	err = env.engine.DeleteDomain(ctx, models.DeleteDomainRequest{WebsiteID: w.ID, DomainID: w.Domains[1].ID})
	if err == nil {
		t.Fatalf("expected vhost failure")
	}
	got, err := env.store.GetWebsite(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Domains) != 2 {
		t.Fatalf("domain record should survive a failed vhost rewrite, have %v", got.DomainNames())
	}
	if _, err := env.store.GetDomain(ctx, w.Domains[1].ID); err != nil {
		t.Fatalf("domain lookup: %v", err)
	}
}

func TestDeleteTenantWaitsForWebsiteLock(t *testing.T) {
	env := newTestEngine(t)
	tenant := env.tenant(t, "sara", models.CreateTenantRequest{})
	ctx := context.Background()

	w, err := env.engine.CreateWebsite(ctx, models.CreateWebsiteRequest{
		TenantID: tenant.ID, Label: "sara", Domains: []string{"sara.example.com"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// stands in for a certificate scan working on the website
	unlock := env.engine.locks.Lock(websiteKey(w.ID))
	done := make(chan error, 1)
	go func() { done <- env.engine.DeleteTenant(ctx, tenant.ID) }()

	select {
	case err := <-done:
		t.Fatalf("teardown ran while the website was locked: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if _, err := env.store.GetWebsite(ctx, w.ID); err != nil {
		t.Fatalf("website removed while locked: %v", err)
	}

	unlock()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("DeleteTenant: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("DeleteTenant did not finish")
	}
	if _, err := env.store.GetWebsite(ctx, w.ID); !errors.Is(err, database.ErrNotFound) {
		t.Fatalf("website should be removed, got %v", err)
	}
}

func TestUnprovisionedTenantCannotCreateWebsite(t *testing.T) {
	env := newTestEngine(t)
	tenant, err := env.store.CreateTenant(context.Background(), models.CreateTenantRequest{Username: "pat"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.engine.CreateWebsite(context.Background(), models.CreateWebsiteRequest{
		TenantID: tenant.ID, Label: "p", Domains: []string{"p.example.com"},
	})
	if !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned, got %v", err)
	}
}

func TestPublicMessageHidesDetails(t *testing.T) {
	err := invalidf("domain %s is already in use", "secret.example.com")
	if msg := PublicMessage(err, false); strings.Contains(msg, "secret") {
		t.Fatalf("tenant message leaks details: %q", msg)
	}
	if msg := PublicMessage(err, true); !strings.Contains(msg, "secret") {
		t.Fatalf("superuser message should carry details: %q", msg)
	}
	if msg := PublicMessage(errors.New("exec: chown failed"), false); msg != "operation failed" {
		t.Fatalf("msg = %q", msg)
	}
	if PublicMessage(nil, false) != "" {
		t.Fatalf("nil error should render empty")
	}
}
