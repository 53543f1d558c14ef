package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"framereel/internal/api"
	"framereel/internal/config"
	"framereel/internal/ledger"
	"framereel/internal/logging"
	"framereel/internal/pipeline"
	"framereel/internal/preflight"
	"framereel/internal/services"
)

const maxRequestBody = 64 << 10

type apiServer struct {
	bind    string
	logger  *slog.Logger
	daemon  *Daemon
	runsSvc *api.RunService

	listener net.Listener
	server   *http.Server
}

func newAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) (*apiServer, error) {
	if cfg == nil || d == nil {
		return nil, errors.New("api server requires config and daemon")
	}
	bind := strings.TrimSpace(cfg.Paths.APIBind)
	if bind == "" {
		return nil, nil
	}

	srv := &apiServer{
		bind:    bind,
		logger:  logger,
		daemon:  d,
		runsSvc: d.runService(),
	}
	srv.server = &http.Server{
		Handler:           srv.routes(strings.TrimSpace(cfg.Paths.APIToken)),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// A synchronous run with retries can take minutes.
		WriteTimeout: 15 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return srv, nil
}

func (s *apiServer) routes(token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", authMiddleware(token, s.handleStatus))
	mux.HandleFunc("/api/runs", authMiddleware(token, s.handleRuns))
	mux.HandleFunc("/api/runs/", authMiddleware(token, s.handleRun))
	mux.HandleFunc("/api/usage", authMiddleware(token, s.handleUsage))
	return mux
}

func (s *apiServer) start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	listener, err := net.Listen("tcp", s.bind)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log().Error("api server error", logging.Error(err))
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	s.log().Info("api server listening", logging.String("address", listener.Addr().String()))
	return nil
}

func (s *apiServer) stop() {
	if s == nil {
		return
	}
	if s.server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cfg := s.daemon.cfg
	status := s.daemon.Status()
	payload := api.ServerStatus{
		Running:      status.Running,
		PID:          status.PID,
		LedgerPath:   status.LedgerPath,
		LockFilePath: status.LockFilePath,
		Backend:      cfg.Backend.Kind,
		ActiveRuns:   status.ActiveRuns,
		Checks:       api.FromChecks(preflight.RunAll(r.Context(), cfg, false)),
		Dependencies: api.FromDependencies(preflight.CheckSystemDeps(cfg)),
	}
	if counts, err := s.runsSvc.Counts(r.Context()); err == nil {
		payload.RunCounts = counts
	} else {
		s.log().Warn("run counts unavailable", logging.Error(err))
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *apiServer) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listRuns(w, r)
	case http.MethodPost:
		s.startRun(w, r)
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *apiServer) listRuns(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := ledger.ListFilter{Username: strings.TrimSpace(query.Get("username"))}
	for _, value := range query["state"] {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			filter.States = append(filter.States, trimmed)
		}
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}
	runs, err := s.runsSvc.List(r.Context(), filter)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, api.RunListResponse{Runs: runs})
}

func (s *apiServer) startRun(w http.ResponseWriter, r *http.Request) {
	var req pipeline.GenerationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)
	ctx := services.WithRequestID(r.Context(), requestID)

	outcome := s.daemon.deps.Runs.Run(ctx, req)
	result := api.FromOutcome(outcome)
	if outcome.ErrorKind == services.KindQuotaExceeded {
		result.UpgradeURL = s.upgradeURL(ctx, outcome.Username)
	}
	s.writeJSON(w, statusForOutcome(outcome), result)
}

// upgradeURL offers the next tier up. Failures only omit the link.
func (s *apiServer) upgradeURL(ctx context.Context, username string) string {
	if s.daemon.deps.Upgrades == nil {
		return ""
	}
	tier, err := s.daemon.deps.Tiers.IsAdmitted(ctx, username)
	if err != nil {
		return ""
	}
	next, ok := tier.Upgrade()
	if !ok {
		return ""
	}
	link, err := s.daemon.deps.Upgrades.CreateUpgradeSession(ctx, next)
	if err != nil {
		s.log().Debug("upgrade link unavailable", logging.Error(err))
		return ""
	}
	return link
}

func statusForOutcome(outcome pipeline.Outcome) int {
	switch outcome.ErrorKind {
	case services.KindNone:
		return http.StatusCreated
	case services.KindInvalidRequest:
		return http.StatusBadRequest
	case services.KindQuotaExceeded:
		return http.StatusTooManyRequests
	case services.KindAuth, services.KindUpstream, services.KindMalformedResponse:
		return http.StatusBadGateway
	case services.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *apiServer) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/runs/")
	if id == "" || strings.Contains(id, "/") {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	run, err := s.runsSvc.Describe(r.Context(), id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if run == nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, api.RunResponse{Run: *run})
}

func (s *apiServer) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if username == "" {
		s.listUsage(w, r)
		return
	}
	tier, err := s.daemon.deps.Tiers.IsAdmitted(r.Context(), username)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec, ok := s.daemon.deps.Usage.Usage(username)
	if !ok {
		rec.Username = username
	}
	s.writeJSON(w, http.StatusOK, api.FromUsage(rec, tier))
}

// listUsage reports every user seen by this process. Users whose tier can no
// longer be resolved are skipped.
func (s *apiServer) listUsage(w http.ResponseWriter, r *http.Request) {
	records := s.daemon.deps.Usage.Records()
	out := make([]api.Usage, 0, len(records))
	for _, rec := range records {
		tier, err := s.daemon.deps.Tiers.IsAdmitted(r.Context(), rec.Username)
		if err != nil {
			continue
		}
		out = append(out, api.FromUsage(rec, tier))
	}
	s.writeJSON(w, http.StatusOK, api.UsageListResponse{Users: out})
}

func (s *apiServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("failed to encode response", logging.Error(err))
	}
}

func (s *apiServer) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *apiServer) log() *slog.Logger {
	if s.logger != nil {
		return logging.NewComponentLogger(s.logger, "api-server")
	}
	return logging.NewNop()
}
