package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaycache/internal/cachestore"
	"github.com/agentworkforce/relaycache/internal/model"
	"github.com/agentworkforce/relaycache/internal/pagetree"
)

var ErrConflict = errors.New("conflict")

type ConflictError struct {
	Path string
}

func (e *ConflictError) Error() string {
	if e.Path == "" {
		return "conflict"
	}
	return fmt.Sprintf("conflict for %s", e.Path)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type Options struct {
	HTTPClient *http.Client
	Logger     *zap.Logger
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Client talks to the collaboration server's REST API. Reads are retried on
// 429, 5xx and transport errors; writes are sent exactly once.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewClient(baseURL, token string, opts Options) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3000"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(token),
		httpClient: httpClient,
		logger:     logger.With(zap.String("component", "remote")),
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		maxDelay:   opts.MaxDelay,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.baseDelay <= 0 {
		c.baseDelay = 100 * time.Millisecond
	}
	if c.maxDelay <= 0 {
		c.maxDelay = 2 * time.Second
	}
	return c
}

type pageRequest struct {
	PageID  string `json:"pageId,omitempty"`
	SpaceID string `json:"spaceId,omitempty"`
	Cursor  string `json:"cursor,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

type pageResponse[T any] struct {
	Items []T                 `json:"items"`
	Meta  cachestore.PageMeta `json:"meta"`
}

func (c *Client) ListComments(ctx context.Context, pageID, cursor string, limit int) (cachestore.Page[model.Comment], error) {
	var out pageResponse[model.Comment]
	err := c.doJSON(ctx, http.MethodPost, "/api/comments", pageRequest{PageID: pageID, Cursor: cursor, Limit: limit}, &out, true)
	if err != nil {
		return cachestore.Page[model.Comment]{}, err
	}
	items := make([]model.Comment, 0, len(out.Items))
	for _, item := range out.Items {
		items = append(items, item.Confirmed())
	}
	return cachestore.Page[model.Comment]{Items: items, Meta: out.Meta}, nil
}

// ListSidebarPages returns one page of the root-level sidebar listing. The
// server sends page records; they are mapped to tree nodes.
func (c *Client) ListSidebarPages(ctx context.Context, spaceID, cursor string, limit int) (cachestore.Page[pagetree.Node], error) {
	return c.listNodes(ctx, pageRequest{SpaceID: spaceID, Cursor: cursor, Limit: limit})
}

// ListChildPages returns one page of the children of parentPageID.
func (c *Client) ListChildPages(ctx context.Context, spaceID, parentPageID, cursor string, limit int) (cachestore.Page[pagetree.Node], error) {
	return c.listNodes(ctx, pageRequest{SpaceID: spaceID, PageID: parentPageID, Cursor: cursor, Limit: limit})
}

func (c *Client) listNodes(ctx context.Context, req pageRequest) (cachestore.Page[pagetree.Node], error) {
	var out pageResponse[model.Record]
	if err := c.doJSON(ctx, http.MethodPost, "/api/pages/sidebar-pages", req, &out, true); err != nil {
		return cachestore.Page[pagetree.Node]{}, err
	}
	nodes := make([]pagetree.Node, 0, len(out.Items))
	for _, rec := range out.Items {
		id, ok := rec.String("id")
		if !ok || id == "" {
			continue
		}
		nodes = append(nodes, pagetree.NodeFromRecord(id, rec))
	}
	return cachestore.Page[pagetree.Node]{Items: nodes, Meta: out.Meta}, nil
}

// PageInfo fetches a single page record by id or slug id.
func (c *Client) PageInfo(ctx context.Context, pageID string) (model.Record, error) {
	var out model.Record
	err := c.doJSON(ctx, http.MethodPost, "/api/pages/info", map[string]string{"pageId": pageID}, &out, true)
	return out, err
}

func (c *Client) CreateComment(ctx context.Context, input model.CreateCommentInput) (model.Comment, error) {
	var out model.Comment
	err := c.doJSON(ctx, http.MethodPost, "/api/comments/create", input, &out, false)
	return out.Confirmed(), err
}

func (c *Client) UpdateComment(ctx context.Context, input model.UpdateCommentInput) (model.Comment, error) {
	var out model.Comment
	err := c.doJSON(ctx, http.MethodPost, "/api/comments/update", input, &out, false)
	return out.Confirmed(), err
}

func (c *Client) DeleteComment(ctx context.Context, input model.DeleteCommentInput) error {
	return c.doJSON(ctx, http.MethodPost, "/api/comments/delete", input, nil, false)
}

func (c *Client) ResolveComment(ctx context.Context, input model.ResolveCommentInput) (model.Comment, error) {
	var out model.Comment
	err := c.doJSON(ctx, http.MethodPost, "/api/comments/resolve", input, &out, false)
	return out.Confirmed(), err
}

// envelope is the {data, success, status} wrapper some deployments put
// around every response body.
type envelope struct {
	Data    json.RawMessage `json:"data"`
	Success *bool           `json:"success"`
}

func (c *Client) doJSON(ctx context.Context, method, requestPath string, body, out any, retry bool) error {
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "encode %s body", requestPath)
		}
	}
	maxRetries := 0
	if retry {
		maxRetries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if bodyBytes != nil {
			bodyReader = bytes.NewReader(bodyBytes)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
		if err != nil {
			return errors.Wrapf(err, "build %s request", requestPath)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < maxRetries && ctx.Err() == nil {
				c.logger.Debug("retrying after transport error", zap.String("path", requestPath), zap.Int("attempt", attempt+1), zap.Error(err))
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return errors.Wrapf(err, "%s %s", method, requestPath)
		}
		payload, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return errors.Wrapf(readErr, "read %s response", requestPath)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(payload)) == 0 {
				return nil
			}
			return decodeBody(payload, out, requestPath)
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < maxRetries {
			c.logger.Debug("retrying after status", zap.String("path", requestPath), zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt+1))
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		var errPayload struct {
			Code    string `json:"code"`
			Error   string `json:"error"`
			Message any    `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		if resp.StatusCode == http.StatusConflict {
			return &ConflictError{Path: requestPath}
		}
		code := errPayload.Code
		if code == "" {
			code = errPayload.Error
		}
		return &HTTPError{
			StatusCode: resp.StatusCode,
			Code:       code,
			Message:    messageText(errPayload.Message),
		}
	}
}

func decodeBody(payload []byte, out any, requestPath string) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err == nil && env.Success != nil && len(env.Data) > 0 {
		payload = env.Data
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.Wrapf(err, "decode %s response", requestPath)
	}
	return nil
}

// messageText flattens the validation-style message arrays some servers
// return.
func messageText(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, fmt.Sprint(item))
		}
		return strings.Join(parts, "; ")
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
