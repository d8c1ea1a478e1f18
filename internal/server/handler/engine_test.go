package handler

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Replay and server modes run without a live engine, so the engine-backed
// endpoints must degrade to 503 instead of dereferencing nil.
func TestEngineEndpointsWithoutEngine(t *testing.T) {
	h := NewEngineHandler(nil, nil, nil, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	tests := []struct {
		name    string
		path    string
		handler http.HandlerFunc
	}{
		{"status", "/api/engine/status", h.Status},
		{"recent signals", "/api/signals/recent", h.RecentSignals},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			require.Equal(t, http.StatusServiceUnavailable, rec.Code)
			assert.JSONEq(t, `{"error":"engine not running"}`, rec.Body.String())
		})
	}
}
