package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Domenick1991/tripsaga/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServers(t *testing.T, probes map[string]Probe) http.Handler {
	t.Helper()
	api := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	s, err := NewServers(&config.Config{}, api, []byte(`{"swagger":"2.0"}`), probes, zap.NewNop())
	require.NoError(t, err)
	return s.httpServer.Handler
}

func TestHealthz(t *testing.T) {
	tests := []struct {
		name       string
		probes     map[string]Probe
		wantCode   int
		wantStatus string
	}{
		{
			name:       "serving",
			probes:     map[string]Probe{"redis": func(context.Context) error { return nil }},
			wantCode:   http.StatusOK,
			wantStatus: `"SERVING"`,
		},
		{
			name: "one probe down",
			probes: map[string]Probe{
				"redis":    func(context.Context) error { return nil },
				"postgres": func(context.Context) error { return errors.New("connection refused") },
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: `"NOT_SERVING"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestServers(t, tt.probes)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Contains(t, w.Body.String(), tt.wantStatus)
		})
	}
}

func TestServers_Routes(t *testing.T) {
	handler := newTestServers(t, nil)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/bookings/x", nil))
	assert.Equal(t, http.StatusTeapot, w.Code)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"swagger":"2.0"}`, w.Body.String())
}
