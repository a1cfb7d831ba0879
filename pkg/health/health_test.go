package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(context.Context) error { return nil }

func failing(context.Context) error { return errors.New("connection refused") }

func TestRunAggregatesWorstStatus(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]Check
		want   Status
	}{
		{"no checks", nil, StatusUp},
		{"all up", map[string]Check{"store": PingCheck(ok, StatusDown)}, StatusUp},
		{"cache down degrades", map[string]Check{
			"store": PingCheck(ok, StatusDown),
			"redis": PingCheck(failing, StatusDegraded),
		}, StatusDegraded},
		{"store down wins", map[string]Check{
			"store": PingCheck(failing, StatusDown),
			"redis": PingCheck(failing, StatusDegraded),
		}, StatusDown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := NewChecker()
			for name, check := range tc.checks {
				c.Register(name, check)
			}
			report := c.Run(context.Background())
			assert.Equal(t, tc.want, report.Status)
			assert.Len(t, report.Components, len(tc.checks))
		})
	}
}

func TestPingCheckMessage(t *testing.T) {
	got := PingCheck(failing, StatusDown)(context.Background())
	assert.Equal(t, StatusDown, got.Status)
	assert.Equal(t, "connection refused", got.Message)
}

func TestReadyHandler(t *testing.T) {
	c := NewChecker()
	c.Register("store", PingCheck(ok, StatusDown))

	rec := httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	c.Register("redis", PingCheck(failing, StatusDegraded))
	rec = httptest.NewRecorder()
	c.ReadyHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var report Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, StatusUp, report.Components["store"].Status)
}

func TestLiveHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LiveHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"alive"}`, rec.Body.String())
}
