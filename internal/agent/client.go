package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rehmatworks/fastcp-engine/internal/models"
	"github.com/rehmatworks/fastcp-engine/internal/ssl"
)

// Error is an error reported by the agent
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return "agent error: " + e.Message
}

// Client is the agent client for communicating with fastcp-agent
type Client struct {
	socketPath string
	caller     *Caller
	conn       net.Conn
	mu         sync.Mutex
	connected  atomic.Bool
}

// NewClient creates a new agent client
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
	}
}

// As returns a client that tags every request with caller
func (c *Client) As(caller Caller) *Client {
	return &Client{socketPath: c.socketPath, caller: &caller}
}

// Connect connects to the agent socket
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := net.DialTimeout("unix", c.socketPath, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to agent: %w", err)
	}

	c.conn = conn
	c.connected.Store(true)
	return nil
}

// Close closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected.Store(false)
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) newRequest(method string, params any) Request {
	return Request{
		ID:     uuid.New().String(),
		Method: method,
		Params: params,
		Caller: c.caller,
	}
}

// roundTrip sends req on conn and decodes the response
func roundTrip(conn net.Conn, req Request) (json.RawMessage, error) {
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.Error != "" {
		return nil, &Error{Code: resp.Code, Message: resp.Error}
	}

	// Marshal result back to JSON for caller to unmarshal
	result, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}
	return result, nil
}

// call makes an RPC call to the agent over the shared connection
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !c.connected.Load() {
		if err := c.Connect(); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Now().Add(30 * time.Second))
	}

	result, err := roundTrip(c.conn, c.newRequest(method, params))
	if err != nil {
		if _, ok := err.(*Error); !ok {
			c.connected.Store(false)
		}
		return nil, err
	}
	return result, nil
}

// callIsolated makes a one-off RPC call using a dedicated socket connection.
// Used for long-running operations so they don't block the shared connection.
func (c *Client) callIsolated(ctx context.Context, method string, params any, defaultTimeout time.Duration) (json.RawMessage, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to agent: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(defaultTimeout))
	}
	return roundTrip(conn, c.newRequest(method, params))
}

func decode[T any](raw json.RawMessage, err error) (*T, error) {
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	return &v, nil
}

// Tenant operations
func (c *Client) CreateTenant(ctx context.Context, req *models.CreateTenantRequest) (*models.SetupTenantResult, error) {
	return decode[models.SetupTenantResult](c.call(ctx, "tenant.create", req))
}

func (c *Client) SetupTenant(ctx context.Context, req *models.SetupTenantRequest) (*models.SetupTenantResult, error) {
	return decode[models.SetupTenantResult](c.call(ctx, "tenant.setup", req))
}

func (c *Client) DeleteTenant(ctx context.Context, tenantID int64) error {
	_, err := c.callIsolated(ctx, "tenant.delete", &TenantRequest{TenantID: tenantID}, 5*time.Minute)
	return err
}

func (c *Client) FixPermissions(ctx context.Context, username string) error {
	_, err := c.callIsolated(ctx, "tenant.fixPermissions", &UsernameRequest{Username: username}, 10*time.Minute)
	return err
}

func (c *Client) RefreshStorage(ctx context.Context, tenantID int64) (int64, error) {
	res, err := decode[StorageResponse](c.call(ctx, "tenant.refreshStorage", &TenantRequest{TenantID: tenantID}))
	if err != nil {
		return 0, err
	}
	return res.Bytes, nil
}

// Website operations
func (c *Client) CreateWebsite(ctx context.Context, req *models.CreateWebsiteRequest) (*models.Website, error) {
	return decode[models.Website](c.call(ctx, "website.create", req))
}

func (c *Client) DeleteWebsite(ctx context.Context, websiteID string) error {
	_, err := c.call(ctx, "website.delete", &WebsiteRequest{WebsiteID: websiteID})
	return err
}

func (c *Client) ChangePHPVersion(ctx context.Context, req *models.ChangePHPVersionRequest) (*models.Website, error) {
	return decode[models.Website](c.call(ctx, "website.changePHP", req))
}

// IssueSSL can take as long as one ACME issuance, so it gets its own
// connection
func (c *Client) IssueSSL(ctx context.Context, websiteID string) (*models.Website, error) {
	return decode[models.Website](c.callIsolated(ctx, "website.issueSSL", &WebsiteRequest{WebsiteID: websiteID}, 3*time.Minute))
}

func (c *Client) AddDomain(ctx context.Context, req *models.AddDomainRequest) (*models.Domain, error) {
	return decode[models.Domain](c.call(ctx, "domain.add", req))
}

func (c *Client) DeleteDomain(ctx context.Context, req *models.DeleteDomainRequest) error {
	_, err := c.call(ctx, "domain.delete", req)
	return err
}

// Database operations
func (c *Client) CreateDatabase(ctx context.Context, req *models.CreateDatabaseRequest) (*models.Database, error) {
	return decode[models.Database](c.call(ctx, "database.create", req))
}

func (c *Client) DeleteDatabase(ctx context.Context, databaseID string) error {
	_, err := c.call(ctx, "database.delete", &DatabaseRequest{DatabaseID: databaseID})
	return err
}

func (c *Client) UpdateDatabasePassword(ctx context.Context, req *models.UpdateDatabasePasswordRequest) error {
	_, err := c.call(ctx, "database.updatePassword", req)
	return err
}

// FTP operations
func (c *Client) CreateFTPAccount(ctx context.Context, req *models.CreateFTPAccountRequest) (*models.FTPAccount, error) {
	return decode[models.FTPAccount](c.call(ctx, "ftp.create", req))
}

func (c *Client) DeleteFTPAccount(ctx context.Context, id string) error {
	_, err := c.call(ctx, "ftp.delete", &FTPAccountRequest{ID: id})
	return err
}

func (c *Client) SetFTPPassword(ctx context.Context, id, password string) error {
	_, err := c.call(ctx, "ftp.setPassword", &FTPPasswordRequest{ID: id, Password: password})
	return err
}

func (c *Client) SetFTPLocked(ctx context.Context, id string, locked bool) error {
	_, err := c.call(ctx, "ftp.setLocked", &FTPLockRequest{ID: id, Locked: locked})
	return err
}

// File manager operations
func (c *Client) CreateArchive(ctx context.Context, req *models.CreateArchiveRequest) (string, error) {
	res, err := decode[ArchiveResponse](c.callIsolated(ctx, "files.createArchive", req, 30*time.Minute))
	if err != nil {
		return "", err
	}
	return res.Path, nil
}

func (c *Client) ExtractArchive(ctx context.Context, req *models.ExtractArchiveRequest) error {
	_, err := c.callIsolated(ctx, "files.extractArchive", req, 30*time.Minute)
	return err
}

func (c *Client) ListFiles(ctx context.Context, req *models.ListFilesRequest) ([]models.FileEntry, error) {
	res, err := decode[[]models.FileEntry](c.call(ctx, "files.list", req))
	if err != nil {
		return nil, err
	}
	return *res, nil
}

func (c *Client) ReadFile(ctx context.Context, req *models.FileRequest) (*models.FileContent, error) {
	return decode[models.FileContent](c.call(ctx, "files.read", req))
}

func (c *Client) WriteFile(ctx context.Context, req *models.WriteFileRequest) error {
	_, err := c.call(ctx, "files.write", req)
	return err
}

func (c *Client) CreateItem(ctx context.Context, req *models.CreateItemRequest) (string, error) {
	res, err := decode[PathResponse](c.call(ctx, "files.create", req))
	if err != nil {
		return "", err
	}
	return res.Path, nil
}

// DeleteItems may remove large trees, so it gets its own connection
func (c *Client) DeleteItems(ctx context.Context, req *models.DeleteItemsRequest) error {
	_, err := c.callIsolated(ctx, "files.delete", req, 10*time.Minute)
	return err
}

func (c *Client) RenameItem(ctx context.Context, req *models.RenameItemRequest) error {
	_, err := c.call(ctx, "files.rename", req)
	return err
}

func (c *Client) MoveItems(ctx context.Context, req *models.MoveItemsRequest) error {
	_, err := c.call(ctx, "files.move", req)
	return err
}

func (c *Client) Chmod(ctx context.Context, req *models.ChmodRequest) error {
	_, err := c.call(ctx, "files.chmod", req)
	return err
}

// SSL operations
func (c *Client) RunSSLScan(ctx context.Context) (*ssl.ScanResult, error) {
	return decode[ssl.ScanResult](c.callIsolated(ctx, "ssl.scan", nil, 30*time.Minute))
}
