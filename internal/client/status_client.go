package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/yourorg/candle-cache/internal/model"

	"go.uber.org/zap"
)

// StatusClient talks to the control endpoints of a running candle cache
type StatusClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewStatusClient creates a new candle cache control client
func NewStatusClient(baseURL string, logger *zap.Logger) *StatusClient {
	return &StatusClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// GetAllStatus returns the status of every process
func (c *StatusClient) GetAllStatus(ctx context.Context) (map[model.ProcessKind]model.ProcessStatus, error) {
	var statuses map[model.ProcessKind]model.ProcessStatus
	if err := c.do(ctx, http.MethodGet, "/candle-cache-status/all", http.StatusOK, &statuses); err != nil {
		return nil, err
	}
	return statuses, nil
}

// GetStatus returns the status of a single process
func (c *StatusClient) GetStatus(ctx context.Context, kind model.ProcessKind) (model.ProcessStatus, error) {
	var status model.ProcessStatus
	err := c.do(ctx, http.MethodGet, "/candle-cache-status/"+url.PathEscape(string(kind)), http.StatusOK, &status)
	return status, err
}

// Refresh asks the service to rebuild scope; an empty scope rebuilds everything
func (c *StatusClient) Refresh(ctx context.Context, scope string) (model.RefreshResponse, error) {
	path := "/refresh-candle-cache"
	if scope != "" {
		path += "?" + url.Values{"scope": {scope}}.Encode()
	}
	var resp model.RefreshResponse
	err := c.do(ctx, http.MethodGet, path, http.StatusOK, &resp)
	return resp, err
}

// CancelRebuild cancels the active rebuild
func (c *StatusClient) CancelRebuild(ctx context.Context) (model.RefreshResponse, error) {
	var resp model.RefreshResponse
	err := c.do(ctx, http.MethodPost, "/candle-cache-rebuild/cancel", http.StatusOK, &resp)
	return resp, err
}

func (c *StatusClient) do(ctx context.Context, method, path string, expected int, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Failed to reach candle cache", zap.String("path", path), zap.Error(err))
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != expected {
		var body struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		msg := body.Error
		if msg == "" {
			msg = body.Reason
		}
		c.logger.Warn("Candle cache returned unexpected status",
			zap.String("path", path),
			zap.Int("status_code", resp.StatusCode),
			zap.String("message", msg))
		return &StatusError{Code: resp.StatusCode, Message: msg}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		c.logger.Error("Failed to decode response", zap.String("path", path), zap.Error(err))
		return err
	}
	return nil
}

// StatusError is returned for non-success HTTP responses
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("candle cache returned status code %d", e.Code)
	}
	return fmt.Sprintf("candle cache returned status code %d: %s", e.Code, e.Message)
}
