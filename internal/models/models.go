package models

import (
	"time"
)

// Tenant is an unprivileged account mapped 1:1 to an OS user
type Tenant struct {
	ID              int64     `json:"id"`
	Username        string    `json:"username"`
	UID             *int      `json:"uid,omitempty"` // nil until the OS account exists
	IsSuperuser     bool      `json:"is_superuser"`
	MaxDatabases    int       `json:"max_databases"`     // 0 = unlimited
	MaxWebsites     int       `json:"max_websites"`      // 0 = unlimited
	MaxStorageBytes int64     `json:"max_storage_bytes"` // 0 = unlimited
	MaxFTPAccounts  int       `json:"max_ftp_accounts"`  // 0 = unlimited
	StorageUsed     int64     `json:"storage_used"`
	PasswordEnc     string    `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Website is a tenant's site with one or more domains
type Website struct {
	ID          string    `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	Label       string    `json:"label"`
	Slug        string    `json:"slug"`
	PHPVersion  string    `json:"php_version"`
	HasSSL      bool      `json:"has_ssl"`
	IsWordPress bool      `json:"is_wordpress"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	// Filled by the store on load
	Username string   `json:"username,omitempty"`
	Domains  []Domain `json:"domains,omitempty"`
}

// DomainNames returns the website's domains in stored order
func (w *Website) DomainNames() []string {
	names := make([]string, 0, len(w.Domains))
	for _, d := range w.Domains {
		names = append(names, d.Name)
	}
	return names
}

// Domain is a hostname attached to a website
type Domain struct {
	ID            int64      `json:"id"`
	WebsiteID     string     `json:"website_id"`
	Name          string     `json:"name"`
	SSL           bool       `json:"ssl"`
	ResolvingIP   string     `json:"resolving_ip,omitempty"`
	SSLError      string     `json:"ssl_error,omitempty"`
	SSLRetryCount int        `json:"ssl_retry_count"`
	LastAttempt   *time.Time `json:"last_attempt,omitempty"`
}

// Database is a MySQL schema plus its engine user
type Database struct {
	ID        string    `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	Name      string    `json:"name"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// FTPAccount is a pure-ftpd virtual user
type FTPAccount struct {
	ID          string    `json:"id"`
	TenantID    int64     `json:"tenant_id"`
	Username    string    `json:"username"`
	HomeDir     string    `json:"home_dir"`
	WebsiteID   string    `json:"website_id,omitempty"`
	Permissions string    `json:"permissions"`
	BandwidthKB int       `json:"bandwidth_kb"` // 0 = unlimited
	QuotaMB     int       `json:"quota_mb"`     // 0 = unlimited
	Locked      bool      `json:"locked"`
	CreatedAt   time.Time `json:"created_at"`
}

// Config represents the main application configuration
type Config struct {
	DataDir         string `json:"data_dir"`
	ConfigDir       string `json:"config_dir"`
	LogDir          string `json:"log_dir"`
	UsersDir        string `json:"users_dir"`         // tenant homes live under here
	FileManagerRoot string `json:"file_manager_root"` // sandbox root for path confinement
	PHPInstallPath  string `json:"php_install_path"`  // /etc/php
	NginxVhostsDir  string `json:"nginx_vhosts_dir"`
	SSLDir          string `json:"ssl_dir"`
	WellKnownDir    string `json:"well_known_dir"`
	TemplatesDir    string `json:"templates_dir"`
	AgentSocket     string `json:"agent_socket"`
	SharedGroup     string `json:"shared_group"`
	WebServerGroup  string `json:"web_server_group"`
	DefaultPHP      string `json:"default_php"`

	MySQLSocket   string `json:"mysql_socket"`
	MySQLUser     string `json:"mysql_user"`
	MySQLPassword string `json:"mysql_password"`

	ACMEDirectoryURL string `json:"acme_directory_url"`
	ACMEStaging      bool   `json:"acme_staging"`
	ACMETimeoutSec   int    `json:"acme_timeout_sec"`
	SSLScanMinutes   int    `json:"ssl_scan_minutes"`
	HTTPTimeoutSec   int    `json:"http_timeout_sec"`
	DNSServer        string `json:"dns_server"`
	WellKnownListen  string `json:"well_known_listen,omitempty"`

	DisableNetwork bool `json:"-"`
}

// SetupTenantRequest provisions the OS account and home tree of a tenant
type SetupTenantRequest struct {
	TenantID int64  `json:"tenant_id"`
	Password string `json:"password,omitempty"` // generated when empty
}

// SetupTenantResult is returned after a tenant was provisioned
type SetupTenantResult struct {
	Username string `json:"username"`
	UID      int    `json:"uid"`
	Password string `json:"password"`
}

// CreateTenantRequest records a new tenant. Password is only used to
// provision the account and is never stored in the clear.
type CreateTenantRequest struct {
	Username        string `json:"username"`
	Password        string `json:"password,omitempty"` // generated when empty
	IsSuperuser     bool   `json:"is_superuser"`
	MaxDatabases    int    `json:"max_databases"`
	MaxWebsites     int    `json:"max_websites"`
	MaxStorageBytes int64  `json:"max_storage_bytes"`
	MaxFTPAccounts  int    `json:"max_ftp_accounts"`
}

// CreateWebsiteRequest creates a website with its initial domains
type CreateWebsiteRequest struct {
	TenantID    int64    `json:"tenant_id"`
	Label       string   `json:"label"`
	Domains     []string `json:"domains"`
	PHPVersion  string   `json:"php_version"`
	IsWordPress bool     `json:"is_wordpress"`
}

// ChangePHPVersionRequest switches a website to another PHP runtime
type ChangePHPVersionRequest struct {
	WebsiteID  string `json:"website_id"`
	PHPVersion string `json:"php_version"`
}

// AddDomainRequest attaches a domain to a website
type AddDomainRequest struct {
	WebsiteID string `json:"website_id"`
	Domain    string `json:"domain"`
}

// DeleteDomainRequest detaches a domain from a website
type DeleteDomainRequest struct {
	WebsiteID string `json:"website_id"`
	DomainID  int64  `json:"domain_id"`
}

// CreateDatabaseRequest creates a schema and its user
type CreateDatabaseRequest struct {
	TenantID int64  `json:"tenant_id"`
	Name     string `json:"name"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// UpdateDatabasePasswordRequest rotates a database user's password
type UpdateDatabasePasswordRequest struct {
	DatabaseID string `json:"database_id"`
	Password   string `json:"password"`
}

// CreateFTPAccountRequest creates a pure-ftpd virtual user
type CreateFTPAccountRequest struct {
	TenantID    int64  `json:"tenant_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	HomeDir     string `json:"home_dir"`
	WebsiteID   string `json:"website_id,omitempty"`
	Permissions string `json:"permissions"`
	BandwidthKB int    `json:"bandwidth_kb"`
	QuotaMB     int    `json:"quota_mb"`
}

// CreateArchiveRequest zips selected entries of a directory
type CreateArchiveRequest struct {
	TenantID int64    `json:"tenant_id"`
	Root     string   `json:"root"`
	Name     string   `json:"name"`
	Paths    []string `json:"paths"`
}

// ExtractArchiveRequest unpacks an archive into a directory
type ExtractArchiveRequest struct {
	TenantID int64  `json:"tenant_id"`
	Archive  string `json:"archive"`
	Dest     string `json:"dest"`
}

// FileEntry is one entry of a directory listing
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
}

// ListFilesRequest lists a directory; an empty path is the sandbox root
type ListFilesRequest struct {
	TenantID int64  `json:"tenant_id"`
	Path     string `json:"path"`
	Search   string `json:"search,omitempty"`
}

// FileRequest addresses one path in the tenant's sandbox
type FileRequest struct {
	TenantID int64  `json:"tenant_id"`
	Path     string `json:"path"`
}

// FileContent is a text file read for editing
type FileContent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
}

// WriteFileRequest replaces a file's content
type WriteFileRequest struct {
	TenantID int64  `json:"tenant_id"`
	Path     string `json:"path"`
	Content  string `json:"content"`
}

// CreateItemRequest creates an empty file or a directory named Name
// inside Path
type CreateItemRequest struct {
	TenantID int64  `json:"tenant_id"`
	Path     string `json:"path"`
	Name     string `json:"name"`
	IsDir    bool   `json:"is_dir"`
}

// DeleteItemsRequest removes files and directory trees
type DeleteItemsRequest struct {
	TenantID int64    `json:"tenant_id"`
	Paths    []string `json:"paths"`
}

// RenameItemRequest renames OldName to NewName inside Path
type RenameItemRequest struct {
	TenantID int64  `json:"tenant_id"`
	Path     string `json:"path"`
	OldName  string `json:"old_name"`
	NewName  string `json:"new_name"`
}

// MoveItemsRequest moves entries into the directory Dest
type MoveItemsRequest struct {
	TenantID int64    `json:"tenant_id"`
	Paths    []string `json:"paths"`
	Dest     string   `json:"dest"`
}

// ChmodRequest sets permission bits given in octal, e.g. "755"
type ChmodRequest struct {
	TenantID int64  `json:"tenant_id"`
	Path     string `json:"path"`
	Mode     string `json:"mode"`
}
