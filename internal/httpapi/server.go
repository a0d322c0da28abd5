package httpapi

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/relaycache/internal/cachestore"
	"github.com/agentworkforce/relaycache/internal/model"
	"github.com/agentworkforce/relaycache/internal/optimistic"
	"github.com/agentworkforce/relaycache/internal/pagetree"
	"github.com/agentworkforce/relaycache/internal/relaycache"
)

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *zap.Logger
}

// Server exposes a session's cache and mutation triggers to local clients.
type Server struct {
	session     *relaycache.Session
	cfg         ServerConfig
	rateLimiter *rateLimiter
	logger      *zap.Logger
	now         func() time.Time
}

// rateLimiter keeps one token bucket per subject. A bucket refills max
// tokens per window.
type rateLimiter struct {
	mu       sync.Mutex
	window   time.Duration
	max      int
	limiters map[string]*rate.Limiter
}

func NewServer(session *relaycache.Session) *Server {
	return NewServerWithConfig(session, ServerConfig{})
}

func NewServerWithConfig(session *relaycache.Session, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:   cfg.RateLimitWindow,
			max:      cfg.RateLimitMax,
			limiters: map[string]*rate.Limiter{},
		}
	}
	return &Server{
		session:     session,
		cfg:         cfg,
		rateLimiter: limiter,
		logger:      logger.With(zap.String("component", "httpapi")),
		now:         time.Now,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "stats": s.session.Stats()})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 4 && parts[1] == "pages" && parts[3] == "comments" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "list_comments"
	case len(parts) == 4 && parts[1] == "pages" && parts[3] == "comments" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "create_comment"
	case len(parts) == 3 && parts[1] == "comments" && r.Method == http.MethodPatch:
		requiredScope = scopeWrite
		route = "update_comment"
	case len(parts) == 3 && parts[1] == "comments" && r.Method == http.MethodDelete:
		requiredScope = scopeWrite
		route = "delete_comment"
	case len(parts) == 4 && parts[1] == "comments" && parts[3] == "resolve" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "resolve_comment"
	case len(parts) == 4 && parts[1] == "spaces" && parts[3] == "tree" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "tree"
	case len(parts) == 6 && parts[1] == "spaces" && parts[3] == "tree" && parts[5] == "children" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "tree_children"
	case len(parts) == 3 && parts[1] == "cache" && parts[2] == "invalidate" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "invalidate"
	case len(parts) == 3 && parts[1] == "cache" && parts[2] == "snapshot" && r.Method == http.MethodPost:
		requiredScope = scopeWrite
		route = "snapshot"
	case len(parts) == 2 && parts[1] == "notices" && r.Method == http.MethodGet:
		requiredScope = scopeRead
		route = "notices"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, s.now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds() / float64(s.rateLimiter.max)))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "list_comments":
		s.handleListComments(w, r, parts[2], correlationID)
	case "create_comment":
		s.handleCreateComment(w, r, parts[2], correlationID)
	case "update_comment":
		s.handleUpdateComment(w, r, parts[2], correlationID)
	case "delete_comment":
		s.handleDeleteComment(w, r, parts[2], correlationID)
	case "resolve_comment":
		s.handleResolveComment(w, r, parts[2], correlationID)
	case "tree":
		s.handleTree(w, r, parts[2], correlationID)
	case "tree_children":
		s.handleTreeChildren(w, r, parts[2], parts[4], correlationID)
	case "invalidate":
		s.handleInvalidate(w, r, correlationID)
	case "snapshot":
		s.handleSnapshot(w, r, correlationID)
	case "notices":
		writeJSON(w, http.StatusOK, map[string]any{"notices": s.session.Notices()})
	}
}

type viewResponse[T cachestore.Identifiable] struct {
	Items      []T                 `json:"items"`
	Meta       cachestore.PageMeta `json:"meta"`
	Loading    bool                `json:"loading"`
	Refreshing bool                `json:"refreshing"`
	Stale      bool                `json:"stale"`
	Error      string              `json:"error,omitempty"`
}

func newViewResponse[T cachestore.Identifiable](items []T, meta cachestore.PageMeta, loading, refreshing, stale bool, err error) viewResponse[T] {
	if items == nil {
		items = []T{}
	}
	resp := viewResponse[T]{Items: items, Meta: meta, Loading: loading, Refreshing: refreshing, Stale: stale}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request, pageID, correlationID string) {
	var view relaycache.CommentsView
	if parseBool(r.URL.Query().Get("wait"), false) {
		var err error
		view, err = s.session.LoadComments(r.Context(), pageID)
		if err != nil && r.Context().Err() != nil {
			writeError(w, http.StatusServiceUnavailable, "cancelled", "request cancelled", correlationID)
			return
		}
	} else {
		view = s.session.Comments(r.Context(), pageID)
	}
	writeJSON(w, http.StatusOK, newViewResponse(view.Items, view.Meta, view.Loading, view.Refreshing, view.Stale, view.Err))
}

type createCommentRequest struct {
	Content         json.RawMessage `json:"content"`
	Selection       *string         `json:"selection"`
	Type            string          `json:"type"`
	ParentCommentID *string         `json:"parentCommentId"`
}

func (s *Server) handleCreateComment(w http.ResponseWriter, r *http.Request, pageID, correlationID string) {
	var req createCommentRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	m, err := s.session.CreateComment(r.Context(), model.CreateCommentInput{
		PageID:          pageID,
		Content:         req.Content,
		Selection:       req.Selection,
		Type:            req.Type,
		ParentCommentID: req.ParentCommentID,
	})
	s.respondMutation(w, r, m, err, correlationID)
}

type updateCommentRequest struct {
	PageID  string          `json:"pageId"`
	Content json.RawMessage `json:"content"`
}

func (s *Server) handleUpdateComment(w http.ResponseWriter, r *http.Request, commentID, correlationID string) {
	var req updateCommentRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	m, err := s.session.UpdateComment(r.Context(), model.UpdateCommentInput{
		CommentID: commentID,
		PageID:    req.PageID,
		Content:   req.Content,
	})
	s.respondMutation(w, r, m, err, correlationID)
}

func (s *Server) handleDeleteComment(w http.ResponseWriter, r *http.Request, commentID, correlationID string) {
	m, err := s.session.DeleteComment(r.Context(), model.DeleteCommentInput{
		CommentID: commentID,
		PageID:    r.URL.Query().Get("pageId"),
	})
	s.respondMutation(w, r, m, err, correlationID)
}

type resolveCommentRequest struct {
	PageID   string `json:"pageId"`
	Resolved *bool  `json:"resolved"`
}

func (s *Server) handleResolveComment(w http.ResponseWriter, r *http.Request, commentID, correlationID string) {
	var req resolveCommentRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	resolved := true
	if req.Resolved != nil {
		resolved = *req.Resolved
	}
	m, err := s.session.ResolveComment(r.Context(), model.ResolveCommentInput{
		CommentID: commentID,
		PageID:    req.PageID,
		Resolved:  resolved,
	})
	s.respondMutation(w, r, m, err, correlationID)
}

type mutationResponse struct {
	MutationID  string         `json:"mutationId"`
	Operation   string         `json:"operation"`
	ItemID      string         `json:"itemId"`
	State       string         `json:"state"`
	Applied     bool           `json:"applied"`
	Speculative *model.Comment `json:"speculative,omitempty"`
	Comment     *model.Comment `json:"comment,omitempty"`
}

func newMutationResponse(m *optimistic.Mutation) mutationResponse {
	resp := mutationResponse{
		MutationID: m.ID,
		Operation:  string(m.Op),
		ItemID:     m.ItemID,
		State:      string(m.State()),
		Applied:    m.Applied(),
	}
	if speculative, ok := m.Speculative(); ok {
		resp.Speculative = &speculative
	}
	return resp
}

// respondMutation answers 202 with the speculative state, or with the
// outcome when the client asked to wait.
func (s *Server) respondMutation(w http.ResponseWriter, r *http.Request, m *optimistic.Mutation, err error, correlationID string) {
	if err != nil {
		if errors.Is(err, optimistic.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		s.logger.Error("mutation dispatch failed", zap.Error(err), zap.String("correlation_id", correlationID))
		writeError(w, http.StatusInternalServerError, "internal_error", "mutation could not be dispatched", correlationID)
		return
	}
	if !parseBool(r.URL.Query().Get("wait"), false) {
		writeJSON(w, http.StatusAccepted, newMutationResponse(m))
		return
	}
	result, waitErr := m.Wait(r.Context())
	resp := newMutationResponse(m)
	switch {
	case waitErr == nil:
		if m.Op != model.PendingDelete {
			resp.Comment = &result
		}
		writeJSON(w, http.StatusOK, resp)
	case r.Context().Err() != nil:
		writeJSON(w, http.StatusAccepted, resp)
	default:
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"code":          "mutation_failed",
			"message":       waitErr.Error(),
			"correlationId": correlationID,
			"mutation":      resp,
		})
	}
}

type treeResponse struct {
	SpaceID string        `json:"spaceId"`
	Tree    pagetree.Tree `json:"tree"`
	Loading bool          `json:"loading"`
	Stale   bool          `json:"stale"`
	Error   string        `json:"error,omitempty"`
}

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request, spaceID, correlationID string) {
	var view relaycache.PagesView
	if parseBool(r.URL.Query().Get("wait"), false) {
		var err error
		view, err = s.session.LoadRootPages(r.Context(), spaceID)
		if err != nil && r.Context().Err() != nil {
			writeError(w, http.StatusServiceUnavailable, "cancelled", "request cancelled", correlationID)
			return
		}
	} else {
		view = s.session.RootPages(r.Context(), spaceID)
	}
	tree, ok := s.session.Tree(spaceID)
	if !ok {
		tree = pagetree.New()
	}
	resp := treeResponse{SpaceID: spaceID, Tree: tree, Loading: view.Loading, Stale: view.Stale}
	if view.Err != nil {
		resp.Error = view.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTreeChildren(w http.ResponseWriter, r *http.Request, spaceID, pageID, correlationID string) {
	children, err := s.session.LoadChildren(r.Context(), spaceID, pageID)
	if err != nil {
		s.logger.Warn("load children failed", zap.String("page_id", pageID), zap.Error(err))
		writeError(w, http.StatusBadGateway, "upstream_error", err.Error(), correlationID)
		return
	}
	if children == nil {
		children = []pagetree.Node{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"parentId": pageID, "children": children})
}

type invalidateRequest struct {
	Key    string   `json:"key"`
	Entity []string `json:"entity"`
	ID     string   `json:"id"`
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req invalidateRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	prefix := cachestore.Key(strings.Trim(req.Key, "/"))
	if prefix == "" && len(req.Entity) > 0 {
		prefix = model.EntityKey(req.Entity, req.ID)
	}
	if prefix == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "key or entity is required", correlationID)
		return
	}
	keys := s.session.InvalidatePrefix(prefix)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key.String())
	}
	writeJSON(w, http.StatusOK, map[string]any{"prefix": prefix.String(), "invalidated": out})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, correlationID string) {
	if err := s.session.SaveSnapshot(r.Context()); err != nil {
		s.logger.Error("snapshot failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "snapshot_failed", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"saved": true, "keys": s.session.Stats().Keys})
}

// getCorrelationID echoes the caller's id or mints one.
func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		every := rate.Every(l.window / time.Duration(l.max))
		limiter = rate.NewLimiter(every, l.max)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func parseBool(raw string, fallback bool) bool {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}
