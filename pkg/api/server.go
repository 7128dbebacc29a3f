// Package api exposes the REST surface: authentication, user and credential
// management, and the ONU/inventory operations backed by the OLT manager.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/mux"

	"github.com/nanoncore/nano-olt-manager/pkg/metrics"
	"github.com/nanoncore/nano-olt-manager/pkg/olt"
	"github.com/nanoncore/nano-olt-manager/pkg/southbound/cli"
	"github.com/nanoncore/nano-olt-manager/pkg/store"
)

// OltService is the slice of the manager the handlers use.
type OltService interface {
	Snapshot() *olt.Snapshot
	Status() olt.RefreshStatus
	Refresh(ctx context.Context) (*olt.Snapshot, error)
	Run(ctx context.Context)
	Validate(serial string) error
	Verify(serial string) (olt.VerifyResult, error)
	Bind(ctx context.Context, req olt.BindRequest) (olt.BoundOnu, error)
	Unbind(ctx context.Context, req olt.UnbindRequest) error
	Reboot(ctx context.Context, port string, onuID int) error
	Close() error
}

// ManagerFactory builds an OltService for a credential.
type ManagerFactory func(host string, port int, username, password string) OltService

// Server is the HTTP API server.
type Server struct {
	store      *store.Store
	logger     *log.Logger
	newManager ManagerFactory
	router     *mux.Router

	started time.Time

	mu     sync.Mutex
	svc    OltService
	cancel context.CancelFunc
}

// NewServer wires the routes. The manager starts disconnected; Connect (or
// ConnectActive at boot) attaches one.
func NewServer(st *store.Store, factory ManagerFactory, logger *log.Logger) *Server {
	s := &Server{
		store:      st,
		logger:     logger,
		newManager: factory,
		router:     mux.NewRouter(),
		started:    time.Now(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.observe)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/api/health", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/auth/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.auth(s.handleLogout)).Methods(http.MethodPost)
	api.HandleFunc("/auth/me", s.auth(s.handleMe)).Methods(http.MethodGet)

	api.HandleFunc("/users", s.can(userManage, s.handleListUsers)).Methods(http.MethodGet)
	api.HandleFunc("/users", s.can(userManage, s.handleCreateUser)).Methods(http.MethodPost)
	api.HandleFunc("/users/{id}", s.can(userManage, s.handleUpdateUser)).Methods(http.MethodPatch)
	api.HandleFunc("/users/{id}", s.can(userManage, s.handleDeleteUser)).Methods(http.MethodDelete)

	api.HandleFunc("/olt/credentials", s.can(oltConfigure, s.handleListCredentials)).Methods(http.MethodGet)
	api.HandleFunc("/olt/credentials", s.can(oltConfigure, s.handleCreateCredential)).Methods(http.MethodPost)
	api.HandleFunc("/olt/credentials/{id}", s.can(oltConfigure, s.handleUpdateCredential)).Methods(http.MethodPatch)
	api.HandleFunc("/olt/credentials/{id}", s.can(oltConfigure, s.handleDeleteCredential)).Methods(http.MethodDelete)
	api.HandleFunc("/olt/connect/{id}", s.can(oltConfigure, s.handleConnect)).Methods(http.MethodPost)

	api.HandleFunc("/olt/info", s.auth(s.handleOltInfo)).Methods(http.MethodGet)
	api.HandleFunc("/olt/refresh", s.auth(s.handleRefresh)).Methods(http.MethodPost)
	api.HandleFunc("/olt/refresh/status", s.auth(s.handleRefreshStatus)).Methods(http.MethodGet)

	api.HandleFunc("/onu/unbound", s.auth(s.handleUnboundOnus)).Methods(http.MethodGet)
	api.HandleFunc("/onu/unbound/count", s.auth(s.handleUnboundCount)).Methods(http.MethodGet)
	api.HandleFunc("/onu/bound", s.auth(s.handleBoundOnus)).Methods(http.MethodGet)
	api.HandleFunc("/onu/validate", s.auth(s.handleValidate)).Methods(http.MethodPost)
	api.HandleFunc("/onu/verify/{sn}", s.auth(s.handleVerify)).Methods(http.MethodGet)
	api.HandleFunc("/onu/next-id", s.auth(s.handleNextID)).Methods(http.MethodGet)
	api.HandleFunc("/onu/bind", s.can(oltConfigure, s.handleBind)).Methods(http.MethodPost)
	api.HandleFunc("/onu/unbind", s.can(oltConfigure, s.handleUnbind)).Methods(http.MethodPost)
	api.HandleFunc("/onu/reboot", s.can(oltConfigure, s.handleReboot)).Methods(http.MethodPost)
	api.HandleFunc("/onu/{port:[0-9]+/[0-9]+/[0-9]+}/{id:[0-9]+}/optical", s.auth(s.handleOptical)).Methods(http.MethodGet)

	api.HandleFunc("/profiles/line", s.auth(s.handleLineProfiles)).Methods(http.MethodGet)
	api.HandleFunc("/profiles/service", s.auth(s.handleServiceProfiles)).Methods(http.MethodGet)
	api.HandleFunc("/tr069-profiles", s.auth(s.handleTr069Profiles)).Methods(http.MethodGet)
	api.HandleFunc("/vlans", s.auth(s.handleVlans)).Methods(http.MethodGet)
	api.HandleFunc("/gpon-ports", s.auth(s.handleGponPorts)).Methods(http.MethodGet)

	// Per-collection refresh endpoints all trigger the same full refresh;
	// the CLI reads everything in one conversation anyway.
	for _, p := range []string{"/profiles/line/refresh", "/profiles/service/refresh", "/tr069-profiles/refresh", "/vlans/refresh", "/onu/refresh"} {
		api.HandleFunc(p, s.auth(s.handleRefresh)).Methods(http.MethodPost)
	}
}

// ConnectActive attaches the manager for the stored active credential, if
// one exists. Called at boot.
func (s *Server) ConnectActive() error {
	cred, err := s.store.GetActiveCredential()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.logger.Info("no active OLT credential, starting disconnected")
			return nil
		}
		return err
	}
	s.attach(cred)
	return nil
}

// attach swaps the running manager to the given credential.
func (s *Server) attach(cred *store.OltCredential) {
	svc := s.newManager(cred.Host, cred.Port, cred.Username, cred.Password)
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	old, oldCancel := s.svc, s.cancel
	s.svc, s.cancel = svc, cancel
	s.mu.Unlock()

	if oldCancel != nil {
		oldCancel()
	}
	if old != nil {
		old.Close()
	}

	go svc.Run(ctx)
	s.logger.Info("OLT manager attached", "host", cred.Host, "name", cred.Name)
}

// service returns the attached manager or nil.
func (s *Server) service() OltService {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.svc
}

// Shutdown stops the manager.
func (s *Server) Shutdown() {
	s.mu.Lock()
	svc, cancel := s.svc, s.cancel
	s.svc, s.cancel = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if svc != nil {
		svc.Close()
	}
}

// observe logs requests and feeds the HTTP metrics.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		s.logger.Debug("http",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "took", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}

// respondServiceError maps domain errors onto HTTP statuses.
func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case olt.IsPrecondition(err), olt.IsNoIDAvailable(err):
		respondError(w, http.StatusBadRequest, err.Error())
	case olt.IsNotFound(err):
		respondError(w, http.StatusNotFound, err.Error())
	case olt.IsBindError(err):
		var be *olt.BindError
		errors.As(err, &be)
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error":  err.Error(),
			"stage":  be.Stage,
			"output": be.Output,
		})
	case cli.IsCLIError(err), cli.IsTimeout(err), cli.IsTransportError(err), cli.IsDisconnected(err), olt.IsRefreshError(err):
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
