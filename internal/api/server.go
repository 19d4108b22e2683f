package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"spamguard/internal/admin"
	"spamguard/internal/config"
	"spamguard/internal/detector"
	"spamguard/internal/model"
	"spamguard/internal/normalize"
	"spamguard/internal/recent"
	"spamguard/internal/storage"
)

const defaultReportWindow = 7 * 24 * time.Hour

type Decider interface {
	Decide(ctx context.Context, ev model.VisitorEvent) model.Decision
	UpdateConfig(cfg *config.Config)
}

// Deps are the collaborators the API serves. Store, Recent and Gatherer may
// be nil; the matching endpoints then answer 503.
type Deps struct {
	Config   *config.Manager
	Engine   Decider
	Registry *detector.Registry
	Store    storage.Store
	Recent   *recent.Store
	Admin    *admin.Service
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	Version  string
}

type Server struct {
	Deps
}

type statusResponse struct {
	Status     string           `json:"status"`
	Time       string           `json:"time"`
	Version    string           `json:"version"`
	ConfigPath string           `json:"config_path"`
	Detectors  []detectorStatus `json:"detectors"`
	Pipeline   pipelineStatus   `json:"pipeline"`
	Storage    storageStatus    `json:"storage"`
	Ingest     ingestStatus     `json:"ingest"`
}

type detectorStatus struct {
	ID      string `json:"id"`
	Enabled bool   `json:"enabled"`
}

type pipelineStatus struct {
	Order       []string `json:"order"`
	Mode        string   `json:"mode"`
	StopOnBlock bool     `json:"stop_on_block"`
	AsyncLog    bool     `json:"async_log"`
}

type storageStatus struct {
	Driver    string `json:"driver"`
	Available bool   `json:"available"`
}

type ingestStatus struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
}

func NewServer(deps Deps) *Server {
	return &Server{Deps: deps}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if origins := s.Config.Get().API.AllowedOrigins; len(origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}
	r.Get("/status", s.handleStatus)
	r.Post("/check", s.handleCheck)
	r.Get("/logs", s.handleLogs)
	r.Get("/blocks", s.handleListBlocks)
	r.Post("/blocks", s.handleSubmitBlock)
	r.Delete("/blocks/{id}", s.handleDeleteBlock)
	r.Get("/nonce", s.handleNonce)
	r.Get("/reports", s.handleReports)
	r.Get("/decisions/recent", s.handleRecent)
	r.Post("/config/reload", s.handleReload)
	if s.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func Start(ctx context.Context, deps Deps) *http.Server {
	if deps.Config == nil {
		return nil
	}
	logger := deps.Logger
	current := deps.Config.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(deps)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config.Get()
	var detectors []detectorStatus
	if s.Registry != nil {
		for _, id := range s.Registry.IDs() {
			d, _ := s.Registry.Get(id)
			detectors = append(detectors, detectorStatus{ID: id, Enabled: d.Enabled(cfg)})
		}
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.Version,
		ConfigPath: s.Config.Path(),
		Detectors:  detectors,
		Pipeline: pipelineStatus{
			Order:       cfg.Pipeline.Order,
			Mode:        cfg.Pipeline.Mode,
			StopOnBlock: cfg.Pipeline.StopOnBlock,
			AsyncLog:    cfg.Pipeline.AsyncLog,
		},
		Storage: storageStatus{Driver: cfg.Storage.Driver, Available: s.Store != nil},
		Ingest:  ingestStatus{REST: cfg.Ingest.REST.Enabled, Kafka: cfg.Ingest.Kafka.Enabled},
	})
}

type checkRequest struct {
	IP        string            `json:"ip"`
	Timestamp string            `json:"timestamp"`
	Metadata  map[string]string `json:"metadata"`
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body too large")
		return
	}
	var req checkRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ev, err := normalize.Normalize(normalize.EventFields{
		IP:        req.IP,
		Timestamp: req.Timestamp,
		Extras:    req.Metadata,
		Source:    "api",
	}, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Engine.Decide(r.Context(), ev))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	q := r.URL.Query()
	filter := storage.LogFilter{IPContains: q.Get("ip"), Detector: q.Get("detector")}
	if v := q.Get("blocked"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid blocked")
			return
		}
		filter.Blocked = &b
	}
	var ok bool
	if filter.Since, ok = parseTime(w, q.Get("since"), "since"); !ok {
		return
	}
	if filter.Until, ok = parseTime(w, q.Get("until"), "until"); !ok {
		return
	}
	logs, err := s.Store.QueryLogs(r.Context(), filter, parsePage(r))
	if err != nil {
		s.internalError(w, "query logs", err)
		return
	}
	if logs == nil {
		logs = []model.LogEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "count": len(logs)})
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	q := r.URL.Query()
	filter := storage.BlockFilter{IPContains: q.Get("ip")}
	switch mt := model.MatchType(strings.ToLower(q.Get("match_type"))); mt {
	case "":
	case model.MatchIP, model.MatchKey:
		filter.MatchType = mt
	default:
		writeError(w, http.StatusBadRequest, "invalid match_type")
		return
	}
	if v := q.Get("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid active")
			return
		}
		if active {
			filter.ActiveAt = time.Now().UTC()
		}
	}
	blocks, err := s.Store.ListBlocks(r.Context(), filter, parsePage(r))
	if err != nil {
		s.internalError(w, "list blocks", err)
		return
	}
	if blocks == nil {
		blocks = []model.BlockEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocks": blocks, "count": len(blocks)})
}

// handleSubmitBlock accepts the manual block form as JSON or as a classic
// urlencoded form post.
func (s *Server) handleSubmitBlock(w http.ResponseWriter, r *http.Request) {
	if s.Admin == nil {
		writeError(w, http.StatusServiceUnavailable, "manual blocking unavailable")
		return
	}
	var sub admin.Submission
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil || json.Unmarshal(body, &sub) != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := r.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form")
			return
		}
		sub = admin.Submission{
			Nonce:      r.PostForm.Get("nonce"),
			BlockedIP:  r.PostForm.Get("blocked_ip"),
			KeyType:    r.PostForm.Get("key_type"),
			BlockedKey: r.PostForm.Get("blocked_key"),
			Type:       r.PostForm.Get("blocked_type"),
			Reason:     r.PostForm.Get("blocked_reason"),
			StartDate:  r.PostForm.Get("blocked_start_date"),
			EndDate:    r.PostForm.Get("blocked_end_date"),
		}
	}
	sub.CreatedBy = "api"
	res := s.Admin.Submit(r.Context(), sub)
	writeJSON(w, res.Code.HTTPStatus(), res)
}

// NonceHeader carries the delete nonce for DELETE /blocks/{id}.
const NonceHeader = "X-Spamguard-Nonce"

func (s *Server) handleDeleteBlock(w http.ResponseWriter, r *http.Request) {
	if s.Admin == nil {
		writeError(w, http.StatusServiceUnavailable, "manual blocking unavailable")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	err = s.Admin.Delete(r.Context(), id, r.Header.Get(NonceHeader))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, admin.ErrInvalidNonce):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, admin.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "block entry not found")
	default:
		s.internalError(w, "delete block", err)
	}
}

// handleNonce issues a nonce for ?action= (block when omitted).
func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	if s.Admin == nil {
		writeError(w, http.StatusServiceUnavailable, "manual blocking unavailable")
		return
	}
	action := strings.TrimSpace(r.URL.Query().Get("action"))
	if action == "" {
		action = admin.BlockAction
	}
	if !admin.KnownAction(action) {
		writeError(w, http.StatusBadRequest, "unknown nonce action")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"nonce":  s.Admin.Nonces().Issue(action),
		"action": action,
	})
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if s.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	since, ok := parseTime(w, r.URL.Query().Get("since"), "since")
	if !ok {
		return
	}
	if since.IsZero() {
		since = time.Now().UTC().Add(-defaultReportWindow)
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	top, err := s.Store.TopIPs(r.Context(), since, limit)
	if err != nil {
		s.internalError(w, "top ips", err)
		return
	}
	byDetector, err := s.Store.CountByDetector(r.Context(), since)
	if err != nil {
		s.internalError(w, "count by detector", err)
		return
	}
	if top == nil {
		top = []storage.IPCount{}
	}
	if byDetector == nil {
		byDetector = []storage.DetectorCount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"since":       since.Format(time.RFC3339),
		"top_ips":     top,
		"by_detector": byDetector,
	})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.Recent == nil {
		writeError(w, http.StatusServiceUnavailable, "recent feed unavailable")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	blockedOnly, _ := strconv.ParseBool(r.URL.Query().Get("blocked"))
	list := s.Recent.List(limit, blockedOnly)
	writeJSON(w, http.StatusOK, map[string]any{"decisions": list, "count": len(list)})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.Config.Reload()
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("config reload failed", "err", err)
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.Engine != nil {
		s.Engine.UpdateConfig(cfg)
	}
	if s.Logger != nil {
		s.Logger.Info("config reloaded", "path", s.Config.Path())
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	if s.Logger != nil {
		s.Logger.Error("api storage error", "op", op, "err", err)
	}
	writeError(w, http.StatusInternalServerError, "storage error")
}

func parsePage(r *http.Request) storage.Page {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	return storage.Page{Limit: limit, Offset: offset}
}

func parseTime(w http.ResponseWriter, value, name string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, true
	}
	ts, err := normalize.ParseTimestamp(value, time.UTC)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
