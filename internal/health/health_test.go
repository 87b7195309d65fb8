package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} }

func failing(context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} }

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		critical Check
		optional Check
		want     Status
	}{
		{"all healthy", healthy, healthy, StatusHealthy},
		{"optional failing", healthy, failing, StatusDegraded},
		{"critical failing", failing, healthy, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			c.RegisterFunc("db", true, tt.critical)
			c.RegisterFunc("cache", false, tt.optional)
			c.Check(context.Background())
			assert.Equal(t, tt.want, c.OverallStatus())
		})
	}
}

func TestUnknownBeforeFirstCheck(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("db", true, healthy)
	assert.Equal(t, StatusUnknown, c.OverallStatus())
}

func TestCheckRecoversPanic(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("bad", true, func(context.Context) CheckResult { panic("boom") })

	results := c.Check(context.Background())
	require.Contains(t, results, "bad")
	assert.Equal(t, StatusUnhealthy, results["bad"].Status)
	assert.Equal(t, "boom", results["bad"].Error)
}

func TestCheckTimesOut(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:     "slow",
		Critical: true,
		Timeout:  10 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(50 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Check(context.Background())
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, StatusUnhealthy, c.Results()["slow"].Status)
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("db", true, healthy)

	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerFullReport(t *testing.T) {
	c := NewChecker()
	c.SetReady(true)
	c.RegisterFunc("db", true, PingCheck("database", func(context.Context) error { return nil }))
	c.RegisterFunc("cache", false, PingCheck("cache", func(context.Context) error { return errors.New("refused") }))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz?full=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.True(t, resp.Ready)
	require.Contains(t, resp.Components, "cache")
	assert.Equal(t, "refused", resp.Components["cache"].Error)
	assert.Equal(t, "cache unreachable", resp.Components["cache"].Message)
}

func TestHandlerUnhealthy(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("db", true, failing)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Nil(t, resp.Components)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}

func TestBacklogCheck(t *testing.T) {
	n := 3
	check := BacklogCheck(func() (int, error) { return n, nil }, 5)
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)

	n = 6
	res := check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, 6, res.Details["pending"])

	broken := BacklogCheck(func() (int, error) { return 0, errors.New("io") }, 5)
	assert.Equal(t, StatusUnhealthy, broken(context.Background()).Status)
}
