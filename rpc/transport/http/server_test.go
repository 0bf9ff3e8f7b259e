package http

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/VictoriaMetrics/metrics"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdmin(healthy *bool, flushed *int) *AdminServer {
	return NewAdminServer(AdminHandlers{
		Stats: func() any { return map[string]int{"curr_items": 3} },
		Health: func() error {
			if !*healthy {
				return errors.New("closed")
			}
			return nil
		},
		FlushAll: func() { *flushed++ },
		Metrics: func(w io.Writer) {
			_, _ = io.WriteString(w, "segcache_engine_test 7\n")
		},
	}, true)
}

func TestAdminEndpoints(t *testing.T) {
	healthy, flushed := true, 0
	router := newTestAdmin(&healthy, &flushed).Router()

	serve := func(method, path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
		return rec
	}

	t.Run("Stats", func(t *testing.T) {
		rec := serve(http.MethodGet, "/stats")
		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]int
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, 3, body["curr_items"])
	})

	t.Run("Health", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, serve(http.MethodGet, "/health").Code)
		healthy = false
		rec := serve(http.MethodGet, "/health")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "closed")
		healthy = true
	})

	t.Run("FlushAll", func(t *testing.T) {
		assert.Equal(t, http.StatusMethodNotAllowed, serve(http.MethodGet, "/flush_all").Code)
		assert.Equal(t, http.StatusOK, serve(http.MethodPost, "/flush_all").Code)
		assert.Equal(t, 1, flushed)
	})

	t.Run("Metrics", func(t *testing.T) {
		metrics.GetOrCreateCounter(`segcache_admin_test_total`).Inc()
		rec := serve(http.MethodGet, "/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, strings.Contains(rec.Body.String(), "segcache_admin_test_total 1"))
		assert.True(t, strings.Contains(rec.Body.String(), "segcache_engine_test 7"))
	})
}
