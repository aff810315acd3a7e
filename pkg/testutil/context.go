package testutil

import (
	"io"
	"log/slog"
	"net/http"

	"quotefeed/pkg/platform/middleware/metadata"
)

// WithClient attaches resolved client metadata to req, as ClientMetadata
// would.
func WithClient(req *http.Request, clientID, clientIP string) *http.Request {
	return req.WithContext(metadata.WithClientMetadata(req.Context(), clientID, clientIP))
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
