package agent

// Request represents an agent RPC request
type Request struct {
	ID     string  `json:"id"`
	Method string  `json:"method"`
	Params any     `json:"params,omitempty"`
	Caller *Caller `json:"caller,omitempty"` // nil for root tooling
}

// Caller identifies who the panel is acting for. Tenants get generic
// error messages.
type Caller struct {
	Username    string `json:"username"`
	IsSuperuser bool   `json:"is_superuser"`
}

// Response represents an agent RPC response
type Response struct {
	ID     string `json:"id"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Code   string `json:"code,omitempty"`
}

// Error codes carried next to the message so clients can branch on them
const (
	CodeValidation    = "validation"
	CodeQuotaExceeded = "quota_exceeded"
	CodeNotFound      = "not_found"
	CodeLastDomain    = "last_domain"
	CodeStepFailed    = "step_failed"
	CodeIssueFailed   = "issue_failed"
	CodeInternal      = "internal"
)

// TenantRequest addresses a tenant by id
type TenantRequest struct {
	TenantID int64 `json:"tenant_id"`
}

// UsernameRequest addresses a tenant by username
type UsernameRequest struct {
	Username string `json:"username"`
}

// WebsiteRequest addresses a website
type WebsiteRequest struct {
	WebsiteID string `json:"website_id"`
}

// DatabaseRequest addresses a database
type DatabaseRequest struct {
	DatabaseID string `json:"database_id"`
}

// FTPAccountRequest addresses an FTP account
type FTPAccountRequest struct {
	ID string `json:"id"`
}

// FTPPasswordRequest changes an FTP account's password
type FTPPasswordRequest struct {
	ID       string `json:"id"`
	Password string `json:"password"`
}

// FTPLockRequest locks or unlocks an FTP account
type FTPLockRequest struct {
	ID     string `json:"id"`
	Locked bool   `json:"locked"`
}

// ArchiveResponse is returned after an archive was written
type ArchiveResponse struct {
	Path string `json:"path"`
}

// PathResponse carries the path an operation created
type PathResponse struct {
	Path string `json:"path"`
}

// StorageResponse is returned after storage was measured
type StorageResponse struct {
	Bytes int64 `json:"bytes"`
}

// StatusResponse is the result of operations with nothing else to return
type StatusResponse struct {
	Status string `json:"status"`
}

var ok = StatusResponse{Status: "ok"}
