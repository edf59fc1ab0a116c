// Package agent serves the provisioning engine over a unix socket as
// newline-delimited JSON RPC.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rehmatworks/fastcp-engine/internal/engine"
	"github.com/rehmatworks/fastcp-engine/internal/models"
)

// Server is the fastcp-agent server
type Server struct {
	socketPath string
	listener   net.Listener
	handlers   map[string]Handler
	logger     *slog.Logger
	mu         sync.RWMutex
	wg         sync.WaitGroup
}

// Handler is a function that handles an agent request
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// New creates a new agent server serving eng
func New(socketPath string, eng *engine.Engine, logger *slog.Logger) (*Server, error) {
	s, err := newServer(socketPath, logger)
	if err != nil {
		return nil, err
	}
	s.registerHandlers(eng)
	return s, nil
}

func newServer(socketPath string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove stale socket
	os.Remove(socketPath)

	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]Handler),
		logger:     logger,
	}, nil
}

// Handle registers h for method, replacing any previous handler
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Run listens until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on socket: %w", err)
	}
	s.listener = listener

	// Only root and the panel's group may connect
	if err := os.Chmod(s.socketPath, 0660); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.logger.Info("agent listening", "socket", s.socketPath)

	go func() {
		var errDelay time.Duration
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					if errDelay == 0 {
						errDelay = 50 * time.Millisecond
					} else {
						errDelay *= 2
					}
					if errDelay > 5*time.Second {
						errDelay = 5 * time.Second
					}
					s.logger.Error("accept error, backing off", "error", err, "delay", errDelay)
					time.Sleep(errDelay)
					continue
				}
			}
			errDelay = 0

			s.wg.Add(1)
			go s.handleConnection(ctx, conn)
		}
	}()

	<-ctx.Done()

	listener.Close()
	s.wg.Wait()
	os.Remove(s.socketPath)

	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var req Request
		if err := decoder.Decode(&req); err != nil {
			return // Connection closed
		}
		if err := encoder.Encode(s.dispatch(ctx, &req)); err != nil {
			s.logger.Error("failed to send response", "error", err)
			return
		}
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (resp Response) {
	resp.ID = req.ID
	log := s.logger.With("method", req.Method, "id", req.ID)
	log.Debug("received request")

	s.mu.RLock()
	handler, found := s.handlers[req.Method]
	s.mu.RUnlock()
	if !found {
		resp.Error = fmt.Sprintf("unknown method: %s", req.Method)
		resp.Code = CodeValidation
		return resp
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panicked", "panic", r)
			resp.Result = nil
			resp.Error = "operation failed"
			resp.Code = CodeInternal
		}
	}()

	// Marshal params back to JSON for handler
	paramsJSON, _ := json.Marshal(req.Params)
	result, err := handler(ctx, paramsJSON)
	if err != nil {
		superuser := req.Caller == nil || req.Caller.IsSuperuser
		if req.Caller != nil {
			log = log.With("caller", req.Caller.Username)
		}
		log.Warn("request failed", "error", err)
		resp.Error = engine.PublicMessage(err, superuser)
		resp.Code = errorCode(err)
		return resp
	}
	resp.Result = result
	return resp
}

func errorCode(err error) string {
	var se *engine.StepError
	switch {
	case errors.Is(err, engine.ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, engine.ErrLastDomain):
		return CodeLastDomain
	case errors.Is(err, engine.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, engine.ErrValidation):
		return CodeValidation
	case errors.Is(err, engine.ErrIssueFailed):
		return CodeIssueFailed
	case errors.As(err, &se):
		return CodeStepFailed
	}
	return CodeInternal
}

// handle adapts a typed operation into a Handler
func handle[T any](fn func(ctx context.Context, req T) (any, error)) Handler {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var req T
		if len(params) > 0 && string(params) != "null" {
			if err := json.Unmarshal(params, &req); err != nil {
				return nil, fmt.Errorf("%w: invalid params: %v", engine.ErrValidation, err)
			}
		}
		return fn(ctx, req)
	}
}

func (s *Server) registerHandlers(e *engine.Engine) {
	// Tenant handlers
	s.handlers["tenant.create"] = handle(func(ctx context.Context, req models.CreateTenantRequest) (any, error) {
		return e.CreateTenant(ctx, req)
	})
	s.handlers["tenant.setup"] = handle(func(ctx context.Context, req models.SetupTenantRequest) (any, error) {
		return e.SetupTenant(ctx, req)
	})
	s.handlers["tenant.delete"] = handle(func(ctx context.Context, req TenantRequest) (any, error) {
		return ok, e.DeleteTenant(ctx, req.TenantID)
	})
	s.handlers["tenant.fixPermissions"] = handle(func(ctx context.Context, req UsernameRequest) (any, error) {
		return ok, e.FixPermissions(ctx, req.Username)
	})
	s.handlers["tenant.refreshStorage"] = handle(func(ctx context.Context, req TenantRequest) (any, error) {
		used, err := e.RefreshStorage(ctx, req.TenantID)
		return StorageResponse{Bytes: used}, err
	})

	// Website handlers
	s.handlers["website.create"] = handle(func(ctx context.Context, req models.CreateWebsiteRequest) (any, error) {
		return e.CreateWebsite(ctx, req)
	})
	s.handlers["website.delete"] = handle(func(ctx context.Context, req WebsiteRequest) (any, error) {
		return ok, e.DeleteWebsite(ctx, req.WebsiteID)
	})
	s.handlers["website.changePHP"] = handle(func(ctx context.Context, req models.ChangePHPVersionRequest) (any, error) {
		return e.ChangePHPVersion(ctx, req)
	})
	s.handlers["website.issueSSL"] = handle(func(ctx context.Context, req WebsiteRequest) (any, error) {
		return e.IssueSSL(ctx, req.WebsiteID)
	})
	s.handlers["domain.add"] = handle(func(ctx context.Context, req models.AddDomainRequest) (any, error) {
		return e.AddDomain(ctx, req)
	})
	s.handlers["domain.delete"] = handle(func(ctx context.Context, req models.DeleteDomainRequest) (any, error) {
		return ok, e.DeleteDomain(ctx, req)
	})

	// Database handlers
	s.handlers["database.create"] = handle(func(ctx context.Context, req models.CreateDatabaseRequest) (any, error) {
		return e.CreateDatabase(ctx, req)
	})
	s.handlers["database.delete"] = handle(func(ctx context.Context, req DatabaseRequest) (any, error) {
		return ok, e.DeleteDatabase(ctx, req.DatabaseID)
	})
	s.handlers["database.updatePassword"] = handle(func(ctx context.Context, req models.UpdateDatabasePasswordRequest) (any, error) {
		return ok, e.UpdateDatabasePassword(ctx, req)
	})

	// FTP handlers
	s.handlers["ftp.create"] = handle(func(ctx context.Context, req models.CreateFTPAccountRequest) (any, error) {
		return e.CreateFTPAccount(ctx, req)
	})
	s.handlers["ftp.delete"] = handle(func(ctx context.Context, req FTPAccountRequest) (any, error) {
		return ok, e.DeleteFTPAccount(ctx, req.ID)
	})
	s.handlers["ftp.setPassword"] = handle(func(ctx context.Context, req FTPPasswordRequest) (any, error) {
		return ok, e.UpdateFTPPassword(ctx, req.ID, req.Password)
	})
	s.handlers["ftp.setLocked"] = handle(func(ctx context.Context, req FTPLockRequest) (any, error) {
		return ok, e.SetFTPLocked(ctx, req.ID, req.Locked)
	})

	// File manager handlers
	s.handlers["files.createArchive"] = handle(func(ctx context.Context, req models.CreateArchiveRequest) (any, error) {
		path, err := e.CreateArchive(ctx, req)
		return ArchiveResponse{Path: path}, err
	})
	s.handlers["files.extractArchive"] = handle(func(ctx context.Context, req models.ExtractArchiveRequest) (any, error) {
		return ok, e.ExtractArchive(ctx, req)
	})
	s.handlers["files.list"] = handle(func(ctx context.Context, req models.ListFilesRequest) (any, error) {
		return e.ListFiles(ctx, req)
	})
	s.handlers["files.read"] = handle(func(ctx context.Context, req models.FileRequest) (any, error) {
		return e.ReadFile(ctx, req)
	})
	s.handlers["files.write"] = handle(func(ctx context.Context, req models.WriteFileRequest) (any, error) {
		return ok, e.WriteFile(ctx, req)
	})
	s.handlers["files.create"] = handle(func(ctx context.Context, req models.CreateItemRequest) (any, error) {
		path, err := e.CreateItem(ctx, req)
		return PathResponse{Path: path}, err
	})
	s.handlers["files.delete"] = handle(func(ctx context.Context, req models.DeleteItemsRequest) (any, error) {
		return ok, e.DeleteItems(ctx, req)
	})
	s.handlers["files.rename"] = handle(func(ctx context.Context, req models.RenameItemRequest) (any, error) {
		return ok, e.RenameItem(ctx, req)
	})
	s.handlers["files.move"] = handle(func(ctx context.Context, req models.MoveItemsRequest) (any, error) {
		return ok, e.MoveItems(ctx, req)
	})
	s.handlers["files.chmod"] = handle(func(ctx context.Context, req models.ChmodRequest) (any, error) {
		return ok, e.Chmod(ctx, req)
	})

	// SSL handlers
	s.handlers["ssl.scan"] = handle(func(ctx context.Context, _ struct{}) (any, error) {
		return e.RunSSLScan(ctx), nil
	})
}
