// Package spo talks to SharePoint Online: the REST API for reads and the
// legacy CSOM ProcessQuery endpoint for tenant storage entity writes.
package spo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"spoctl/internal/csom"
	"spoctl/internal/logging"
)

const (
	acceptNoMetadata = "application/json;odata=nometadata"

	// maxBodyDump caps request/response bodies written to debug logs.
	maxBodyDump = 4096
)

// ContextInfo is the response of POST /_api/contextinfo.
type ContextInfo struct {
	FormDigestValue          string   `json:"FormDigestValue"`
	FormDigestTimeoutSeconds int      `json:"FormDigestTimeoutSeconds"`
	LibraryVersion           string   `json:"LibraryVersion"`
	SiteFullURL              string   `json:"SiteFullUrl"`
	WebFullURL               string   `json:"WebFullUrl"`
	SupportedSchemaVersions  []string `json:"SupportedSchemaVersions"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	// HTTPClient defaults to a client without timeout; cancellation comes from
	// the request context.
	HTTPClient *http.Client
	Logger     *zap.Logger
	UserAgent  string
}

// Client performs single SharePoint HTTP exchanges. It holds no token or site
// state; both are passed to every call.
type Client struct {
	httpClient *http.Client
	api        *zap.Logger
	wire       *zap.Logger
	userAgent  string
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		api:        logging.For(logger, logging.CategoryAPI),
		wire:       logging.For(logger, logging.CategoryCSOM),
		userAgent:  cfg.UserAgent,
	}
}

// ContextInfo fetches the form digest of siteURL.
func (c *Client) ContextInfo(ctx context.Context, siteURL, token string) (*ContextInfo, error) {
	const op = "contextinfo"
	body, err := c.do(ctx, op, http.MethodPost, joinURL(siteURL, "/_api/contextinfo"), token, map[string]string{
		"Accept": acceptNoMetadata,
	}, nil)
	if err != nil {
		return nil, err
	}

	var info ContextInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: op, Message: "response is not valid JSON", Err: err}
	}
	if info.FormDigestValue == "" {
		return nil, &Error{Kind: KindProtocol, Op: op, Message: "response has no FormDigestValue"}
	}
	c.api.Debug("Form digest acquired",
		zap.String("site", siteURL),
		zap.Int("timeout_seconds", info.FormDigestTimeoutSeconds))
	return &info, nil
}

// ProcessQuery posts an encoded CSOM request. Only transport, status and
// response shape are checked; a server-reported ErrorInfo is returned inside
// the Response.
func (c *Client) ProcessQuery(ctx context.Context, siteURL, token, digest string, request []byte) (*csom.Response, error) {
	const op = "ProcessQuery"
	body, err := c.do(ctx, op, http.MethodPost, joinURL(siteURL, "/_vti_bin/client.svc/ProcessQuery"), token, map[string]string{
		"X-RequestDigest": digest,
		"Content-Type":    "text/xml",
	}, request)
	if err != nil {
		return nil, err
	}

	resp, err := csom.ParseResponse(body)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: op, Message: "response is not a ProcessQuery result", Err: err}
	}
	return resp, nil
}

// Execute runs a CSOM request against siteURL: fetch a form digest, then post
// the request with it. Nothing is retried; a failure after the digest was
// fetched needs a fresh Execute.
func (c *Client) Execute(ctx context.Context, siteURL, token string, request *csom.Request) (*csom.Response, error) {
	payload, err := request.Marshal()
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: "encode", Err: err}
	}

	info, err := c.ContextInfo(ctx, siteURL, token)
	if err != nil {
		return nil, err
	}

	resp, err := c.ProcessQuery(ctx, siteURL, token, info.FormDigestValue, payload)
	if err != nil {
		return nil, err
	}

	var serverErr *csom.ServerError
	if errors.As(resp.Err(), &serverErr) {
		c.api.Info("ProcessQuery reported an error",
			zap.String("type", serverErr.Info.ErrorTypeName),
			zap.Int("code", serverErr.Info.ErrorCode),
			zap.String("correlation_id", serverErr.Info.TraceCorrelationID))
		return nil, &Error{Kind: KindRemote, Message: serverErr.Info.ErrorMessage, Err: serverErr}
	}
	return resp, nil
}

// GetJSON issues a GET with nometadata JSON accept header and decodes the body
// into out.
func (c *Client) GetJSON(ctx context.Context, op, rawURL, token string, out any) error {
	body, err := c.do(ctx, op, http.MethodGet, rawURL, token, map[string]string{
		"Accept": acceptNoMetadata,
	}, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &Error{Kind: KindProtocol, Op: op, Message: "response is not valid JSON", Err: err}
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, rawURL, token string, headers map[string]string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: op, Message: "invalid request URL", Err: err}
	}

	requestID := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("client-request-id", requestID)
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	log := c.api.With(zap.String("op", op), zap.String("request_id", requestID))
	log.Debug("Sending request", zap.String("method", method), zap.String("url", rawURL))
	if payload != nil {
		c.wire.Debug("Request body", zap.String("request_id", requestID), zap.String("body", truncate(payload)))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, newError(KindNetwork, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, newError(KindNetwork, op, fmt.Errorf("read response: %w", err))
	}
	log.Debug("Received response", zap.Int("status", resp.StatusCode), zap.Int("bytes", len(body)))
	c.wire.Debug("Response body", zap.String("request_id", requestID), zap.String("body", truncate(body)))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &Error{
			Kind:       KindAuth,
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    statusMessage(resp.StatusCode, body),
			Hints:      []string{"Run 'spo login' to refresh your session; the token or form digest may have expired"},
		}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &Error{
			Kind:       KindProtocol,
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    statusMessage(resp.StatusCode, body),
		}
	}
	return body, nil
}

// statusMessage extracts the OData error message from body, falling back to
// the HTTP status text.
func statusMessage(status int, body []byte) string {
	var odata struct {
		Error *struct {
			Message struct {
				Value string `json:"value"`
			} `json:"message"`
		} `json:"odata.error"`
		Verbose *struct {
			Message struct {
				Value string `json:"value"`
			} `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &odata) == nil {
		if odata.Error != nil && odata.Error.Message.Value != "" {
			return odata.Error.Message.Value
		}
		if odata.Verbose != nil && odata.Verbose.Message.Value != "" {
			return odata.Verbose.Message.Value
		}
	}
	return http.StatusText(status)
}

func joinURL(base, path string) string {
	return strings.TrimRight(base, "/") + path
}

func truncate(b []byte) string {
	if len(b) <= maxBodyDump {
		return string(b)
	}
	return string(b[:maxBodyDump]) + "...(truncated)"
}
