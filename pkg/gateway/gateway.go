// Package gateway exposes a stack service over HTTP on a grpc-gateway mux.
package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	httpmiddleware "github.com/stackd/stackd/pkg/middleware/http"
	serverErrors "github.com/stackd/stackd/pkg/server/errors"
)

const textContentType = "text/plain; charset=utf-8"

// StackService is implemented by the stackd server. Errors must be gRPC
// status errors, they are written as encoded errors.
type StackService interface {
	Top(ctx context.Context, name string) (string, error)
	Push(ctx context.Context, name, value string) error
	Pop(ctx context.Context, name string) (string, error)
	CreateStack(ctx context.Context, name string) error
	DeleteStack(ctx context.Context, name string) error
	CopyStack(ctx context.Context, from, to string) error
}

// NewServeMux returns a mux that writes errors, including routing errors, as
// encoded JSON errors. opts are applied after the defaults.
func NewServeMux(opts ...runtime.ServeMuxOption) *runtime.ServeMux {
	muxOpts := []runtime.ServeMuxOption{
		runtime.WithErrorHandler(func(ctx context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, r *http.Request, err error) {
			httpmiddleware.CustomHTTPErrorHandler(ctx, w, r, serverErrors.ConvertToEncodedError(err))
		}),
		runtime.WithRoutingErrorHandler(func(ctx context.Context, _ *runtime.ServeMux, _ runtime.Marshaler, w http.ResponseWriter, r *http.Request, httpStatus int) {
			httpmiddleware.CustomHTTPErrorHandler(ctx, w, r, serverErrors.NewRoutingError(httpStatus))
		}),
	}

	return runtime.NewServeMux(append(muxOpts, opts...)...)
}

type handlers struct {
	svc          StackService
	maxBodyBytes int64
}

// RegisterHandlers registers the stack routes on mux. Pushed values larger
// than maxBodyBytes are rejected.
//
//	GET    /{name}/top
//	POST   /{name}/push
//	POST   /{name}/pop
//	POST   /{name}
//	DELETE /{name}
//	POST   /{from}/copy?to={to}
func RegisterHandlers(mux *runtime.ServeMux, svc StackService, maxBodyBytes int64) error {
	if maxBodyBytes <= 0 {
		return errors.New("max body bytes must be a positive integer")
	}

	h := &handlers{svc: svc, maxBodyBytes: maxBodyBytes}

	for _, route := range []struct {
		method  string
		pattern string
		handler runtime.HandlerFunc
	}{
		{http.MethodGet, "/{name}/top", h.top},
		{http.MethodPost, "/{name}/push", h.push},
		{http.MethodPost, "/{name}/pop", h.pop},
		{http.MethodPost, "/{from}/copy", h.copy},
		{http.MethodPost, "/{name}", h.create},
		{http.MethodDelete, "/{name}", h.delete},
	} {
		if err := mux.HandlePath(route.method, route.pattern, route.handler); err != nil {
			return err
		}
	}

	return nil
}

func (h *handlers) top(w http.ResponseWriter, r *http.Request, params map[string]string) {
	value, err := h.svc.Top(r.Context(), params["name"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeValue(w, value)
}

func (h *handlers) push(w http.ResponseWriter, r *http.Request, params map[string]string) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, serverErrors.ValueTooLarge(maxBytesErr.Limit))
			return
		}

		writeError(w, r, serverErrors.HandleError("Failed to read the pushed value", err))
		return
	}

	if err := h.svc.Push(r.Context(), params["name"], string(body)); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) pop(w http.ResponseWriter, r *http.Request, params map[string]string) {
	value, err := h.svc.Pop(r.Context(), params["name"])
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeValue(w, value)
}

func (h *handlers) create(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if err := h.svc.CreateStack(r.Context(), params["name"]); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

func (h *handlers) delete(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if err := h.svc.DeleteStack(r.Context(), params["name"]); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) copy(w http.ResponseWriter, r *http.Request, params map[string]string) {
	if err := h.svc.CopyStack(r.Context(), params["from"], r.URL.Query().Get("to")); err != nil {
		writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func writeValue(w http.ResponseWriter, value string) {
	w.Header().Set("Content-Type", textContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, value)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	httpmiddleware.CustomHTTPErrorHandler(r.Context(), w, r, serverErrors.ConvertToEncodedError(err))
}
