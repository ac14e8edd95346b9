package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"agentmesh/knowledgeservice/internal/domain"
	"agentmesh/knowledgeservice/internal/seeker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type KnowledgeService interface {
	ProcessQuery(ctx context.Context, query domain.KnowledgeQuery) (domain.KnowledgeResponse, error)
	ProcessQueries(ctx context.Context, queries []domain.KnowledgeQuery) ([]domain.KnowledgeResponse, error)
	Status() seeker.Status
	ClearCaches(ctx context.Context)
}

type ResearchService interface {
	Augment(ctx context.Context, task domain.Task) domain.AugmentedTask
}

type ProvenanceService interface {
	TaskResearch(ctx context.Context, taskID string, limit int) ([]domain.ProvenanceRecord, error)
	Statistics(ctx context.Context, from, to *time.Time) (domain.ResearchStatistics, error)
	CleanupOldRecords(ctx context.Context, olderThanDays int) (int64, error)
	Available() bool
}

type Server struct {
	knowledge  KnowledgeService
	research   ResearchService
	provenance ProvenanceService
	logger     *slog.Logger
}

const maxHistoryLimit = 100

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithResearch(research ResearchService) ServerOption {
	return func(s *Server) {
		s.research = research
	}
}

func WithProvenance(provenance ProvenanceService) ServerOption {
	return func(s *Server) {
		s.provenance = provenance
	}
}

func NewServer(knowledge KnowledgeService, options ...ServerOption) *Server {
	server := &Server{
		knowledge: knowledge,
		logger:    slog.Default(),
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	if server.logger == nil {
		server.logger = slog.Default()
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/knowledge/query", s.handleQuery)
	mux.HandleFunc("/knowledge/queries", s.handleQueries)
	mux.HandleFunc("/knowledge/status", s.handleStatus)
	mux.HandleFunc("/knowledge/cache/clear", s.handleCacheClear)
	mux.HandleFunc("/knowledge/providers", s.handleProviders)
	mux.HandleFunc("/tasks/augment", s.handleTaskAugment)
	mux.HandleFunc("/research/history", s.handleResearchHistory)
	mux.HandleFunc("/research/statistics", s.handleResearchStatistics)
	mux.HandleFunc("/research/cleanup", s.handleResearchCleanup)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "knowledge-seeker",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(50, 100, metricsMiddleware(traced)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/knowledge/query" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.knowledge == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "knowledge service is not configured")
		return
	}

	var query domain.KnowledgeQuery
	if err := decodeJSONBody(r, &query); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	response, err := s.knowledge.ProcessQuery(r.Context(), query)
	if err != nil {
		s.logger.Warn("knowledge query failed",
			slog.String("queryId", query.ID),
			slog.String("query", truncate(query.Query, 80)),
			slog.String("error", err.Error()),
		)
		switch {
		case errors.Is(err, domain.ErrInvalidQuery):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, domain.ErrRateLimitExceeded):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
		case errors.Is(err, domain.ErrConfiguration):
			writeError(w, http.StatusServiceUnavailable, "service_unavailable", err.Error())
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", "query failed")
		}
		return
	}

	s.logger.Info("knowledge query completed",
		slog.String("queryId", query.ID),
		slog.Int("results", len(response.Results)),
		slog.Int64("elapsedMs", response.Metadata.ProcessingTimeMS),
		slog.Bool("cacheUsed", response.Metadata.CacheUsed),
	)
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleQueries(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/knowledge/queries" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.knowledge == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "knowledge service is not configured")
		return
	}

	var payload struct {
		Queries []domain.KnowledgeQuery `json:"queries"`
	}
	if err := decodeJSONBody(r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if len(payload.Queries) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "queries are required")
		return
	}

	responses, err := s.knowledge.ProcessQueries(r.Context(), payload.Queries)
	if responses == nil {
		responses = []domain.KnowledgeResponse{}
	}
	payloadOut := map[string]any{
		"responses": responses,
	}
	if err != nil {
		failures := strings.Split(err.Error(), "\n")
		payloadOut["errors"] = failures
		s.logger.Warn("batch queries partially failed",
			slog.Int("requested", len(payload.Queries)),
			slog.Int("succeeded", len(responses)),
			slog.Int("failed", len(failures)),
		)
	}
	writeJSON(w, http.StatusOK, payloadOut)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/knowledge/status" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.knowledge == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "knowledge service is not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.knowledge.Status())
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/knowledge/cache/clear" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.knowledge == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "knowledge service is not configured")
		return
	}

	s.knowledge.ClearCaches(r.Context())
	s.logger.Info("knowledge caches cleared", slog.String("clientIP", clientIP(r)))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"clearedAt": time.Now().UTC(),
	})
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/knowledge/providers" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.knowledge == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "knowledge service is not configured")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"checkedAt": time.Now().UTC(),
		"items":     s.knowledge.Status().Providers,
	})
}

func (s *Server) handleTaskAugment(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/tasks/augment" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.research == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "research augmenter is not configured")
		return
	}

	var task domain.Task
	if err := decodeJSONBody(r, &task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(task.ID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "task id is required")
		return
	}

	augmented := s.research.Augment(r.Context(), task)
	s.logger.Info("task augmentation completed",
		slog.String("taskId", task.ID),
		slog.Bool("researchProvided", augmented.ResearchProvided),
	)
	writeJSON(w, http.StatusOK, augmented)
}

func (s *Server) handleResearchHistory(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/research/history" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.provenance == nil || !s.provenance.Available() {
		writeError(w, http.StatusNotImplemented, "not_configured", "research provenance store is not configured")
		return
	}

	taskID := strings.TrimSpace(r.URL.Query().Get("taskId"))
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "taskId is required")
		return
	}
	limit, err := parsePositiveInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	records, err := s.provenance.TaskResearch(r.Context(), taskID, limit)
	if err != nil {
		s.logger.Warn("research history lookup failed",
			slog.String("taskId", taskID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load research history")
		return
	}
	if records == nil {
		records = []domain.ProvenanceRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"taskId": taskID,
		"items":  records,
	})
}

func (s *Server) handleResearchStatistics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/research/statistics" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.provenance == nil || !s.provenance.Available() {
		writeError(w, http.StatusNotImplemented, "not_configured", "research provenance store is not configured")
		return
	}

	from, err := parseOptionalTime(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	to, err := parseOptionalTime(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	stats, err := s.provenance.Statistics(r.Context(), from, to)
	if err != nil {
		s.logger.Warn("research statistics failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to compute research statistics")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleResearchCleanup(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/research/cleanup" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.provenance == nil || !s.provenance.Available() {
		writeError(w, http.StatusNotImplemented, "not_configured", "research provenance store is not configured")
		return
	}

	olderThanDays, err := parsePositiveInt(r, "olderThanDays", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid olderThanDays")
		return
	}

	removed, err := s.provenance.CleanupOldRecords(r.Context(), olderThanDays)
	if err != nil {
		s.logger.Warn("provenance cleanup failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to clean up provenance records")
		return
	}

	s.logger.Info("provenance cleanup completed", slog.Int64("removed", removed))
	writeJSON(w, http.StatusOK, map[string]any{
		"removed": removed,
	})
}

func decodeJSONBody(r *http.Request, dest any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read request body: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid json body: %w", err)
	}
	return nil
}

func parsePositiveInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, errors.New("invalid value")
	}
	return parsed, nil
}

func parseOptionalTime(r *http.Request, key string) (*time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid %s, RFC3339 timestamp expected", key)
	}
	parsed = parsed.UTC()
	return &parsed, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
