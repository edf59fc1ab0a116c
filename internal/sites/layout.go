package sites

import (
	"path/filepath"

	"github.com/rehmatworks/fastcp-engine/internal/models"
)

// Layout is the on-disk contract shared by every provisioning step.
//
//	<users>/<user>/                     tenant base (home)
//	<users>/<user>/apps/<slug>/public/  website document root
//	<users>/<user>/run/<slug>.sock      php-fpm socket
//	<users>/<user>/logs/                shared log dir, root owned
//	<php>/<ver>/fpm/pool.d/<slug>.conf  pool config
//	<vhosts>/<slug>.conf, <slug>-ssl.conf
//	<ssl>/<slug>/priv.key, cert.chain
type Layout struct {
	UsersDir string
	PHPRoot  string
	VhostDir string
	SSLRoot  string
}

// NewLayout builds the layout from configuration
func NewLayout(cfg *models.Config) Layout {
	return Layout{
		UsersDir: cfg.UsersDir,
		PHPRoot:  cfg.PHPInstallPath,
		VhostDir: cfg.NginxVhostsDir,
		SSLRoot:  cfg.SSLDir,
	}
}

func (l Layout) TenantBase(username string) string { return filepath.Join(l.UsersDir, username) }
func (l Layout) AppsDir(username string) string    { return filepath.Join(l.TenantBase(username), "apps") }
func (l Layout) RunDir(username string) string     { return filepath.Join(l.TenantBase(username), "run") }
func (l Layout) LogsDir(username string) string    { return filepath.Join(l.TenantBase(username), "logs") }

func (l Layout) WebsiteBase(username, slug string) string {
	return filepath.Join(l.AppsDir(username), slug)
}

func (l Layout) PublicDir(username, slug string) string {
	return filepath.Join(l.WebsiteBase(username, slug), "public")
}

func (l Layout) TmpDir(username, slug string) string {
	return filepath.Join(l.WebsiteBase(username, slug), "tmp")
}

func (l Layout) SocketPath(username, slug string) string {
	return filepath.Join(l.RunDir(username), slug+".sock")
}

// PoolDir is the pool.d directory of one PHP runtime
func (l Layout) PoolDir(phpVersion string) string {
	return filepath.Join(l.PHPRoot, phpVersion, "fpm", "pool.d")
}

func (l Layout) PoolConfig(phpVersion, slug string) string {
	return filepath.Join(l.PoolDir(phpVersion), slug+".conf")
}

func (l Layout) VhostHTTP(slug string) string  { return filepath.Join(l.VhostDir, slug+".conf") }
func (l Layout) VhostHTTPS(slug string) string { return filepath.Join(l.VhostDir, slug+"-ssl.conf") }

func (l Layout) SSLDir(slug string) string    { return filepath.Join(l.SSLRoot, slug) }
func (l Layout) KeyPath(slug string) string   { return filepath.Join(l.SSLDir(slug), "priv.key") }
func (l Layout) ChainPath(slug string) string { return filepath.Join(l.SSLDir(slug), "cert.chain") }
