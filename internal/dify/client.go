// Package dify implements the protocol adapter for a Dify-compatible
// streaming chat provider: the outbound request pipeline with timeout and
// retry discipline, and the normalizer that turns the provider's event stream
// into the portal's stable stream-event protocol.
package dify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sga-jerrylin/sga-workspace-dify-sub000/internal/model"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/logger"
	"github.com/sga-jerrylin/sga-workspace-dify-sub000/pkg/metrics"
)

// Config holds the explicit construction parameters for a Client. Nothing is
// read from ambient globals.
type Config struct {
	// BaseURL is the provider endpoint, e.g. https://api.dify.ai/v1.
	BaseURL string
	// APIKey is the bearer credential for the provider app.
	APIKey string
	// User is the opaque end-user identifier sent with every request.
	User string

	// ChatTimeout bounds one full turn exchange, headers and body included.
	// Minutes-scale: the upstream model may invoke tools. Default 5m.
	ChatTimeout time.Duration
	// APITimeout bounds non-streaming requests. Default 30s.
	APITimeout time.Duration
	// MaxRetries is the retry budget for transient failures. Default 3.
	MaxRetries int
	// InitialBackoff is the first retry delay; doubles each retry. Default 1s.
	InitialBackoff time.Duration

	// HTTPClient overrides the transport, mainly for tests. It must not set
	// its own Timeout: the body outlives the header exchange.
	HTTPClient *http.Client
}

// Client talks to one Dify-compatible provider app.
type Client struct {
	cfg    Config
	http   *http.Client
	base   *url.URL
	logger *logger.Logger
	tracer trace.Tracer
}

// NewClient creates a provider client from explicit configuration.
func NewClient(cfg Config, log *logger.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("dify: base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("dify: API key is required")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("dify: invalid base URL: %w", err)
	}
	if cfg.User == "" {
		cfg.User = "portal-user"
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = 5 * time.Minute
	}
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		cfg:    cfg,
		http:   httpClient,
		base:   base,
		logger: log,
		tracer: otel.Tracer("dify"),
	}, nil
}

// BaseURL returns the configured provider endpoint.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// User returns the configured end-user identifier.
func (c *Client) User() string {
	return c.cfg.User
}

// ChatRequest is one conversation turn to send upstream.
type ChatRequest struct {
	Prompt         string
	ConversationID string
	Files          []model.FileAttachment
}

// ChatStream sends one turn and returns the raw event stream. The returned
// reader is bounded by the chat timeout and must be closed by the caller;
// closing it aborts the in-flight exchange. Failures are classified *Error
// values; transient kinds have already exhausted the retry budget.
func (c *Client) ChatStream(ctx context.Context, req *ChatRequest) (io.ReadCloser, error) {
	payload := chatMessagesRequest{
		Inputs:           map[string]any{},
		Query:            req.Prompt,
		ResponseMode:     "streaming",
		ConversationID:   req.ConversationID,
		User:             c.cfg.User,
		Files:            toFileRefs(req.Files),
		AutoGenerateName: true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dify: marshal chat request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ChatTimeout)
	resp, err := c.do(ctx, http.MethodPost, "/chat-messages", body)
	if err != nil {
		cancel()
		return nil, err
	}
	return &streamBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// streamBody ties the response body to the turn's timeout context.
type streamBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// do performs one HTTP exchange with the retry discipline: transient failures
// (timeout, connection failure, 429, 5xx) are retried up to the budget with
// exponential backoff; everything else is surfaced immediately. On success the
// caller owns the response body.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + path
	start := time.Now()

	ctx, span := c.tracer.Start(ctx, "dify "+method+" "+routeOf(path))
	defer span.End()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries)), ctx)

	var resp *http.Response
	attempts := 0
	operation := func() error {
		attempts++
		httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
		if len(body) > 0 {
			httpReq.Header.Set("Content-Type", "application/json")
		}

		res, err := c.http.Do(httpReq)
		if err != nil {
			derr := classifyTransport(err)
			if !derr.Retryable() {
				return backoff.Permanent(derr)
			}
			return derr
		}
		if res.StatusCode != http.StatusOK {
			detail := readErrorBody(res.Body)
			res.Body.Close()
			derr := classifyStatus(res.StatusCode, detail)
			if !derr.Retryable() {
				return backoff.Permanent(derr)
			}
			return derr
		}
		resp = res
		return nil
	}

	err := backoff.RetryNotify(operation, policy, func(err error, wait time.Duration) {
		metrics.UpstreamRetriesTotal.WithLabelValues(routeOf(path)).Inc()
		c.logger.Warn("retrying upstream request",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})

	span.SetAttributes(attribute.Int("dify.attempts", attempts))
	if err != nil {
		// Cancellation mid-retry surfaces as the context error; classify it so
		// callers always see an *Error.
		if _, ok := err.(*Error); !ok {
			err = classifyTransport(err)
		}
		derr := err.(*Error)
		span.RecordError(derr)
		metrics.RecordUpstreamRequest(routeOf(path), string(derr.Kind), time.Since(start).Seconds())
		return nil, derr
	}
	metrics.RecordUpstreamRequest(routeOf(path), "success", time.Since(start).Seconds())
	return resp, nil
}

// doJSON performs a non-streaming exchange and decodes the JSON response.
func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("dify: marshal request: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.APITimeout)
	defer cancel()

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("dify: decode response: %w", err)
	}
	return nil
}

// readErrorBody extracts a short failure detail from an error response.
func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return ""
	}
	var rec streamRecord
	if json.Unmarshal(raw, &rec) == nil && rec.Message != "" {
		return rec.Message
	}
	return strings.TrimSpace(string(raw))
}

// routeOf reduces a request path to a low-cardinality metrics label.
func routeOf(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.SplitN(strings.TrimPrefix(path, "/"), "/", 2)
	return "/" + parts[0]
}

func toFileRefs(files []model.FileAttachment) []fileRef {
	if len(files) == 0 {
		return nil
	}
	refs := make([]fileRef, 0, len(files))
	for _, f := range files {
		ref := fileRef{Type: wireTypeFor(f.Kind)}
		if f.UploadFileID != "" {
			ref.TransferMethod = "local_file"
			ref.UploadFileID = f.UploadFileID
		} else {
			ref.TransferMethod = "remote_url"
			ref.URL = f.URL
		}
		refs = append(refs, ref)
	}
	return refs
}

// wireTypeFor maps the portal's file classification onto the provider's
// declared attachment kinds.
func wireTypeFor(kind model.FileKind) string {
	switch kind {
	case model.FileKindImage:
		return "image"
	case model.FileKindAudio:
		return "audio"
	case model.FileKindVideo:
		return "video"
	case model.FileKindWord, model.FileKindSheet, model.FileKindSlide,
		model.FileKindPDF, model.FileKindText:
		return "document"
	default:
		return "custom"
	}
}
