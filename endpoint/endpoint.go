// Package endpoint provides a type-safe abstraction for building HTTP handlers.
//
// A handler separates request decoding, business logic, and response
// rendering:
//
//  1. Unmarshal: the EndpointHandler decodes path, query, header and cookie
//     values into a typed parameters struct using struct tags.
//  2. Endpoint: the EndpointFunc receives the decoded parameters, runs the
//     business logic and returns a Renderer. It does not write the response.
//  3. Render: the Renderer writes status, headers and body.
//
// Processors can be chained in front of the EndpointFunc.
//
// Renderers: JSONRenderer, StringRenderer, RedirectRenderer, ProxyRenderer.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// EndpointError is a client-visible error that maps directly to an HTTP status
// code.
//
// Only Status, Code and Message reach the client. Cause is for logs.
type EndpointError struct {
	Status int
	// Code is a stable, machine-readable identifier. When set, the error is
	// written as a JSON body {"error": Code, "message": Message}.
	Code string
	// Message is a short, human-readable description suitable for an HTTP
	// error body.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error creates a new EndpointError.
func Error(status int, message string, err error) error {
	return newEndpointError(status, message, err)
}

// CodedError creates an EndpointError with a stable error code.
func CodedError(status int, code, message string, err error) error {
	return &EndpointError{Status: status, Code: code, Message: message, Cause: err}
}

func newEndpointError(status int, message string, err error) error {
	// Avoid double-wrapping.
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Message: message, Cause: err}
}

// Renderers are values that write a response into an http.ResponseWriter.
//
// Renderers MUST call w.WriteHeader() and may set Content-Type before doing
// so. A returned error means the response could not be written.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor is middleware-style logic that runs before the EndpointFunc.
//
// Processors MUST call next(...) unless they short-circuit the request, and
// MUST NOT write to the response. A non-nil error stops the chain.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc is the wrapped handler function type.
//
// It receives the response writer, the request and the decoded params, and
// returns a Renderer responsible for writing the response, or an error.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler is the http.Handler wrapper for an EndpointFunc.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
}

// Handler constructs an EndpointHandler.
//
// This helper exists to enable type inference for the params type P.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{
		Endpoint:   fn,
		Processors: processors,
	}
}

// HandleFunc adapts an EndpointFunc into an http.HandlerFunc.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

type hooksKey struct{}

// Hook runs before the response headers are written. A non-nil error fails
// the request when it is committed by an EndpointHandler.
type Hook func(http.ResponseWriter) error

// WithHooks returns a context carrying an empty hook registry, unless ctx
// already has one. Middleware outside an EndpointHandler uses it so work
// registered with Defer survives into the handler.
func WithHooks(ctx context.Context) context.Context {
	if _, ok := ctx.Value(hooksKey{}).(*[]Hook); ok {
		return ctx
	}
	var hooks []Hook
	return context.WithValue(ctx, hooksKey{}, &hooks)
}

// Defer registers fn to be called before the response headers are written.
// fn must not call WriteHeader itself.
//
// Without a hook registry in ctx this is a no-op.
func Defer(ctx context.Context, fn Hook) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]Hook)
	if ok && hooks != nil {
		*hooks = append(*hooks, fn)
	}
}

// Commit runs, in LIFO order, and then forgets all functions registered with
// Defer. Every hook runs; their errors are joined. Calling it again is a
// no-op.
func Commit(ctx context.Context, w http.ResponseWriter) error {
	hooks, ok := ctx.Value(hooksKey{}).(*[]Hook)
	if !ok || hooks == nil {
		return nil
	}
	pending := *hooks
	*hooks = nil
	var errs []error
	for i := len(pending) - 1; i >= 0; i-- {
		if err := pending[i](w); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		http.Error(w, "endpoint: nil EndpointFunc", http.StatusInternalServerError)
		return
	}
	r = r.WithContext(WithHooks(r.Context()))

	var run func(i int, w2 http.ResponseWriter, r2 *http.Request) error
	run = func(i int, w2 http.ResponseWriter, r2 *http.Request) error {
		if i < len(h.Processors) {
			if h.Processors[i] == nil {
				return errors.New("endpoint: nil processor")
			}
			return h.Processors[i].Process(w2, r2, func(w3 http.ResponseWriter, r3 *http.Request) error {
				return run(i+1, w3, r3)
			})
		}

		var params P
		if err := Unmarshal(r2, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w2, r2, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}
		if err := Commit(r2.Context(), w2); err != nil {
			return err
		}
		return renderer.Render(w2, r2)
	}

	if err := run(0, w, r); err != nil {
		if cerr := Commit(r.Context(), w); cerr != nil {
			err = cerr
		}
		WriteError(w, err)
	}
}

// errorBody is the JSON error shape for coded errors.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes err as an HTTP error response. EndpointErrors keep their
// status and message; any other error becomes a bare 500 so that internal
// detail never reaches the client.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := http.StatusText(status)
	code := ""

	var ee *EndpointError
	if errors.As(err, &ee) && ee != nil {
		if ee.Status >= 100 {
			status = ee.Status
		}
		message = ee.Message
		if message == "" {
			message = http.StatusText(status)
		}
		code = ee.Code
	}

	if code == "" {
		http.Error(w, message, status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Message: message})
}
