package testutil

import (
	"net/http"

	id "carbonledger/pkg/domain"
	"carbonledger/pkg/requestcontext"
)

// WithCaller adds an authenticated caller to the request context.
// This simulates what the auth middleware would do for authenticated requests.
// An identity that fails parsing is not added.
func WithCaller(req *http.Request, caller string) *http.Request {
	if parsed, err := id.ParseAddress(caller); err == nil {
		return req.WithContext(requestcontext.WithCaller(req.Context(), parsed))
	}
	return req
}

// WithRequestID adds a request ID to the request context.
func WithRequestID(req *http.Request, requestID string) *http.Request {
	return req.WithContext(requestcontext.WithRequestID(req.Context(), requestID))
}
