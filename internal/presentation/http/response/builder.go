package response

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/Additional-Code/ordersync/pkg/errorbank"
)

// Envelope is the body of every console API response.
type Envelope struct {
	Success bool           `json:"success"`
	Data    any            `json:"data,omitempty"`
	Error   *ErrorBody     `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Builder helps construct consistent HTTP responses.
type Builder struct {
	ctx    echo.Context
	status int
	data   any
	err    error
	meta   map[string]any
}

// New instantiates a Builder for the provided request context.
func New(ctx echo.Context) *Builder {
	return &Builder{ctx: ctx, status: http.StatusOK}
}

// WithStatus overrides the response status code.
func (b *Builder) WithStatus(status int) *Builder {
	if status > 0 {
		b.status = status
	}
	return b
}

// WithData attaches a success payload.
func (b *Builder) WithData(data any) *Builder {
	b.data = data
	return b
}

// WithList attaches a list payload and its length as meta.count.
func (b *Builder) WithList(items any, count int) *Builder {
	b.data = items
	return b.WithMeta("count", count)
}

// WithError records an error to be rendered.
func (b *Builder) WithError(err error) *Builder {
	b.err = err
	return b
}

// WithMeta appends auxiliary metadata to the response.
func (b *Builder) WithMeta(key string, value any) *Builder {
	if key == "" {
		return b
	}
	if b.meta == nil {
		b.meta = make(map[string]any)
	}
	b.meta[key] = value
	return b
}

// Build finalises and emits the HTTP response.
func (b *Builder) Build() error {
	if id := b.ctx.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		b.WithMeta("requestId", id)
	}
	if b.err != nil {
		return b.buildError()
	}
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.ctx.JSON(b.status, Envelope{Success: true, Data: b.data, Meta: b.meta})
}

func (b *Builder) buildError() error {
	appErr := errorbank.From(b.err)
	status := b.status
	if status < 400 {
		status = appErr.StatusCode()
	}
	return b.ctx.JSON(status, Envelope{
		Success: false,
		Error: &ErrorBody{
			Kind:    string(appErr.Kind()),
			Message: appErr.Message(),
			Details: appErr.Details(),
		},
		Meta: b.meta,
	})
}
