// Package client is the HTTP client for an ONVM gateway. It satisfies
// blob.Resolver, so the explorer can run against a remote gateway.
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/InsulaLabs/onvm/internal/events"
	"github.com/InsulaLabs/onvm/internal/share"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

const (
	defaultTimeout = 10 * time.Second
)

var (
	ErrTooLarge    = errors.New("blob exceeds the gateway's maximum size")
	ErrRateLimited = errors.New("rate limited by gateway")
	ErrCorrupted   = errors.New("blob failed integrity verification")
)

type Config struct {
	BaseURL    string
	SkipVerify bool
	Timeout    time.Duration // applies to metadata requests, not content streams
	Logger     *slog.Logger
}

type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	StatusCode int
	ErrorType  string
	Message    string
}

func (e *APIError) Error() string {
	if e.ErrorType == "" {
		return fmt.Sprintf("gateway returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway error (status %d): %s - %s", e.StatusCode, e.ErrorType, e.Message)
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	// streamClient has no overall timeout so large bodies are bounded by
	// the caller's context only.
	streamClient *http.Client
	skipVerify   bool
	logger       *slog.Logger
}

var _ blob.Resolver = &Client{}

func NewClient(cfg *Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("baseURL cannot be empty")
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse base URL '%s'", cfg.BaseURL)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" || baseURL.Host == "" {
		return nil, fmt.Errorf("base URL must be an absolute http(s) URL, got '%s'", cfg.BaseURL)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	clientLogger := cfg.Logger.WithGroup("onvm_client")

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.SkipVerify,
		},
	}
	if cfg.SkipVerify {
		clientLogger.Info("TLS verification is skipped.")
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	clientLogger.Debug("ONVM client initialized", "base_url", baseURL.String(), "tls_skip_verify", cfg.SkipVerify)

	return &Client{
		baseURL:      baseURL,
		httpClient:   &http.Client{Transport: transport, Timeout: cfg.Timeout},
		streamClient: &http.Client{Transport: transport},
		skipVerify:   cfg.SkipVerify,
		logger:       clientLogger,
	}, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

func (c *Client) url(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// send performs the request and returns the response for any 2xx status.
// Anything else is turned into an *APIError.
func (c *Client) send(hc *http.Client, req *http.Request) (*http.Response, error) {
	c.logger.Debug("Sending request", "method", req.Method, "url", req.URL.String())
	resp, err := hc.Do(req)
	if err != nil {
		c.logger.Error("HTTP request failed", "method", req.Method, "url", req.URL.String(), "error", err)
		return nil, errors.Wrapf(err, "http request %s %s failed", req.Method, req.URL.String())
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	c.logger.Debug("Received non-2xx status code", "method", req.Method, "url", req.URL.String(), "status_code", resp.StatusCode)
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var errorResp ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&errorResp); err == nil {
		apiErr.ErrorType = errorResp.ErrorType
		apiErr.Message = errorResp.Message
	}
	return nil, apiErr
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, target any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.url(path, query), nil)
	if err != nil {
		return errors.Wrapf(err, "failed to create request %s %s", method, path)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.send(c.httpClient, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			return errors.Wrapf(err, "failed to decode response body for %s %s", method, path)
		}
	}
	return nil
}

// mapError turns gateway errors about id into the blob package's errors.
func mapError(id string, err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.StatusCode == http.StatusNotFound:
		return &blob.ErrNotFound{ID: id}
	case apiErr.ErrorType == "EMPTY_ID":
		return blob.ErrEmptyID
	case apiErr.ErrorType == "INVALID_ID":
		return blob.ErrInvalidID
	case apiErr.StatusCode == http.StatusRequestEntityTooLarge:
		return ErrTooLarge
	case apiErr.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case apiErr.ErrorType == "DATA_CORRUPTION":
		return ErrCorrupted
	}
	return err
}

func (c *Client) GetInfo(ctx context.Context, id string) (blob.Info, error) {
	if err := blob.ValidateID(id); err != nil {
		return blob.Info{}, err
	}
	var info blob.Info
	err := c.doRequest(ctx, http.MethodGet, "/api/blob/"+url.PathEscape(id)+"/info", nil, &info)
	if err != nil {
		return blob.Info{}, mapError(id, err)
	}
	return info, nil
}

// GetContent streams the blob. The body is not seekable.
func (c *Client) GetContent(ctx context.Context, id string) (*blob.Content, error) {
	info, err := c.GetInfo(ctx, id)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/cdn/"+url.PathEscape(id), nil), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create content request")
	}
	resp, err := c.send(c.streamClient, req)
	if err != nil {
		return nil, mapError(id, err)
	}

	content := &blob.Content{
		Info:        info,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
		ETag:        strings.Trim(resp.Header.Get("ETag"), `"`),
		Body:        resp.Body,
	}
	if content.ContentType == "" {
		content.ContentType = info.ContentType()
	}
	if content.Size < 0 {
		content.Size = info.Size
	}
	if lm, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		content.ModTime = lm
	}
	return content, nil
}

func (c *Client) Share(ctx context.Context, id string) (share.Links, error) {
	if err := blob.ValidateID(id); err != nil {
		return share.Links{}, err
	}
	var links share.Links
	err := c.doRequest(ctx, http.MethodGet, "/api/blob/"+url.PathEscape(id)+"/share", nil, &links)
	if err != nil {
		return share.Links{}, mapError(id, err)
	}
	return links, nil
}

// Upload sends body to the gateway. An empty mime leaves the type to
// detection.
func (c *Client) Upload(ctx context.Context, body io.Reader, mime string) (blob.Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url("/api/blob", nil), body)
	if err != nil {
		return blob.Info{}, errors.Wrap(err, "failed to create upload request")
	}
	if mime == "" {
		mime = blob.DefaultContentType
	}
	req.Header.Set("Content-Type", mime)
	req.Header.Set("Accept", "application/json")

	resp, err := c.send(c.streamClient, req)
	if err != nil {
		return blob.Info{}, mapError("", err)
	}
	defer resp.Body.Close()

	var info blob.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return blob.Info{}, errors.Wrap(err, "failed to decode upload response")
	}
	return info, nil
}

func (c *Client) Delete(ctx context.Context, id string) error {
	if err := blob.ValidateID(id); err != nil {
		return err
	}
	err := c.doRequest(ctx, http.MethodDelete, "/api/blob/"+url.PathEscape(id), nil, nil)
	return mapError(id, err)
}

// Verify asks the gateway to re-hash every subchunk of a local blob.
func (c *Client) Verify(ctx context.Context, id string) error {
	if err := blob.ValidateID(id); err != nil {
		return err
	}
	var response struct {
		Status string `json:"status"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/api/blob/"+url.PathEscape(id)+"/verify", nil, &response)
	if err != nil {
		return mapError(id, err)
	}
	if response.Status != "ok" {
		return fmt.Errorf("gateway reports verification status %q", response.Status)
	}
	return nil
}

func (c *Client) List(ctx context.Context, prefix string, offset, limit int) ([]blob.Info, error) {
	query := url.Values{}
	if prefix != "" {
		query.Set("prefix", prefix)
	}
	if offset > 0 {
		query.Set("offset", strconv.Itoa(offset))
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var response struct {
		Data []blob.Info `json:"data"`
	}
	if err := c.doRequest(ctx, http.MethodGet, "/api/blobs", query, &response); err != nil {
		return nil, mapError("", err)
	}
	return response.Data, nil
}

func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var response map[string]string
	if err := c.doRequest(ctx, http.MethodGet, "/healthz", nil, &response); err != nil {
		return nil, err
	}
	if response["status"] != "ok" {
		return response, fmt.Errorf("gateway reports status %q", response["status"])
	}
	return response, nil
}

// Subscribe streams bus events from the gateway until ctx is cancelled or
// the connection drops. No topics means all of them.
func (c *Client) Subscribe(ctx context.Context, topics []string, onEvent func(events.Event)) error {
	wsScheme := "ws"
	if c.baseURL.Scheme == "https" {
		wsScheme = "wss"
	}
	wsURL := url.URL{
		Scheme: wsScheme,
		Host:   c.baseURL.Host,
		Path:   strings.TrimRight(c.baseURL.Path, "/") + "/api/events",
	}
	query := wsURL.Query()
	for _, t := range topics {
		query.Add("topic", t)
	}
	wsURL.RawQuery = query.Encode()

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.skipVerify},
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		if resp != nil {
			c.logger.Error("WebSocket dial error with response", "url", wsURL.String(), "status", resp.Status, "error", err)
			return errors.Wrapf(err, "failed to dial websocket %s (status: %s)", wsURL.String(), resp.Status)
		}
		return errors.Wrapf(err, "failed to dial websocket %s", wsURL.String())
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("WebSocket closed by gateway", "error", err)
				return nil
			}
			return errors.Wrap(err, "websocket read failed")
		}
		var event events.Event
		if err := json.Unmarshal(message, &event); err != nil {
			c.logger.Warn("Discarding malformed event", "error", err)
			continue
		}
		onEvent(event)
	}
}
