package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/ordersync/internal/config"
	"github.com/Additional-Code/ordersync/internal/domain"
)

const (
	// HeaderRequestID correlates a mutation with server-side logs.
	HeaderRequestID = "X-Request-ID"

	maxBodyBytes = 1 << 20
)

// APIError is a failed REST call: a non-2xx status or a success:false body.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the marketplace REST API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *zap.Logger
	tracer  trace.Tracer
}

// Module provides the REST client to Fx.
var Module = fx.Provide(NewFromConfig)

// NewFromConfig builds a client from the API section of cfg.
func NewFromConfig(cfg config.Config, logger *zap.Logger) (*Client, error) {
	return New(Options{
		BaseURL: cfg.API.BaseURL,
		Token:   cfg.API.Token,
		Timeout: cfg.API.Timeout,
	}, logger)
}

// New validates opts and builds a client.
func New(opts Options, logger *zap.Logger) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if _, err := url.ParseRequestURI(base); err != nil || base == "" {
		return nil, fmt.Errorf("invalid API base url %q", opts.BaseURL)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		baseURL: base,
		token:   opts.Token,
		http:    httpClient,
		logger:  logger.With(zap.String("component", "rest_client")),
		tracer:  otel.Tracer("github.com/Additional-Code/ordersync/restapi"),
	}, nil
}

type statusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

type assignRequest struct {
	DeliveryAgentID string `json:"deliveryAgentId"`
}

// ChangeStatus persists a status change and returns the order as echoed by the
// server. Fields the server omits are left zero.
func (c *Client) ChangeStatus(ctx context.Context, orderID string, status domain.Status, note string) (domain.Order, error) {
	path := "/orders/" + url.PathEscape(orderID) + "/status"
	var order domain.Order
	err := c.do(ctx, http.MethodPatch, path, statusRequest{Status: status.String(), Note: note}, &order, "order")
	return order, err
}

// AssignDelivery persists a delivery agent assignment.
func (c *Client) AssignDelivery(ctx context.Context, orderID, agentID string) (domain.Order, error) {
	path := "/orders/" + url.PathEscape(orderID) + "/assign-delivery"
	var order domain.Order
	err := c.do(ctx, http.MethodPatch, path, assignRequest{DeliveryAgentID: agentID}, &order, "order")
	return order, err
}

// GetAgent fetches one delivery agent.
func (c *Client) GetAgent(ctx context.Context, agentID string) (domain.Agent, error) {
	path := "/delivery-agents/" + url.PathEscape(agentID)
	var agent domain.Agent
	err := c.do(ctx, http.MethodGet, path, nil, &agent, "agent", "deliveryAgent")
	return agent, err
}

// do sends one request and decodes the response into out. The body may be the
// resource itself or a {success, data, message} envelope, and data may nest
// the resource under one of keys.
func (c *Client) do(ctx context.Context, method, path string, body, out any, keys ...string) (err error) {
	requestID := uuid.NewString()
	ctx, span := c.tracer.Start(ctx, "restapi "+method+" "+routeOf(path), trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
		attribute.String("request.id", requestID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set(HeaderRequestID, requestID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("rest call failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}

	c.logger.Debug("rest call completed",
		zap.String("method", method),
		zap.String("path", path),
		zap.String("request_id", requestID),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(started)),
	)

	data, message, ok := unwrap(raw)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: message}
	}
	if !ok {
		if message == "" {
			message = "request was not successful"
		}
		return &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: message}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(nested(data, keys), out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

// unwrap strips the optional response envelope. ok is false only when the
// body explicitly reports success:false.
func unwrap(raw []byte) (data json.RawMessage, message string, ok bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, "", true
	}
	if trimmed[0] != '{' {
		return trimmed, "", true
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return trimmed, "", true
	}
	message = env.Message
	if message == "" {
		message = env.Error
	}
	if env.Success == nil && env.Data == nil {
		return trimmed, message, true
	}
	if env.Success != nil && !*env.Success {
		return env.Data, message, false
	}
	return env.Data, message, true
}

func nested(data json.RawMessage, keys []string) json.RawMessage {
	if len(keys) == 0 {
		return data
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return data
	}
	for _, key := range keys {
		if inner, ok := fields[key]; ok && len(inner) > 0 && inner[0] == '{' {
			return inner
		}
	}
	return data
}

func routeOf(path string) string {
	switch {
	case strings.HasSuffix(path, "/status"):
		return "/orders/{id}/status"
	case strings.HasSuffix(path, "/assign-delivery"):
		return "/orders/{id}/assign-delivery"
	case strings.HasPrefix(path, "/delivery-agents/"):
		return "/delivery-agents/{id}"
	default:
		return path
	}
}

// AsAPIError extracts the server response carried by err, if any.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
