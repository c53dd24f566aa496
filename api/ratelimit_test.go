package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/indication-mapper/backend/internal/config"
	"github.com/DeafMist/indication-mapper/backend/internal/models"
)

func limitedServer(limit int) http.Handler {
	srv := &server{
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:     &config.API{DefaultPage: 20, MaxPage: 100},
		store:   &stubSearcher{page: &models.MappingPage{}},
		limiter: newIPLimiter(limit, time.Minute),
	}
	return srv.routes()
}

func getFrom(h http.Handler, target, remoteAddr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.RemoteAddr = remoteAddr
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitPerClient(t *testing.T) {
	h := limitedServer(2)

	require.Equal(t, http.StatusOK, getFrom(h, "/drugs/dupixent/mappings", "10.0.0.1:5000").Code)
	require.Equal(t, http.StatusOK, getFrom(h, "/drugs/dupixent/mappings", "10.0.0.1:5001").Code)

	rec := getFrom(h, "/drugs/dupixent/mappings", "10.0.0.1:5002")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))

	require.Equal(t, http.StatusOK, getFrom(h, "/drugs/dupixent/mappings", "10.0.0.2:5000").Code)
}

func TestRateLimitSkipsHealth(t *testing.T) {
	h := limitedServer(1)
	for range 3 {
		require.Equal(t, http.StatusOK, getFrom(h, "/health", "10.0.0.1:5000").Code)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	require.Nil(t, newIPLimiter(0, time.Minute))

	h := limitedServer(0)
	for range 5 {
		require.Equal(t, http.StatusOK, getFrom(h, "/drugs/dupixent/mappings", "10.0.0.1:5000").Code)
	}
}
