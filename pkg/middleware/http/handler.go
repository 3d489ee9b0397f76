// Package http writes encoded errors on HTTP responses.
package http

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"

	"github.com/stackd/stackd/pkg/server/errors"
)

// CustomHTTPErrorHandler writes err as a JSON body of the form
// {"code": ..., "message": ...} with the HTTP status carried by err. Header
// metadata found in ctx is copied onto the response.
func CustomHTTPErrorHandler(ctx context.Context, w http.ResponseWriter, r *http.Request, err errors.EncodedError) {
	if md, ok := runtime.ServerMetadataFromContext(ctx); ok {
		for k, vs := range md.HeaderMD {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())

	if r.Method == http.MethodHead {
		return
	}

	// The status line is already out, a failed write cannot be reported.
	_ = json.NewEncoder(w).Encode(err.ActualError)
}
