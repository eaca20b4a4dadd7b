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

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, PingCheck(func(context.Context) error { return nil }))
	c.RegisterFunc("optional", false, PingCheck(func(context.Context) error { return errors.New("down") }))

	assert.Equal(t, StatusUnknown, c.OverallStatus(), "critical check not run yet")

	results := c.Check(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusHealthy, results["store"].Status)
	assert.Equal(t, StatusUnhealthy, results["optional"].Status)
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.RegisterFunc("critical", true, PingCheck(func(context.Context) error { return errors.New("locked") }))
	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(5 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("broken", false, func(context.Context) CheckResult { panic("boom") })

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, StatusUnhealthy, results["broken"].Status)
	assert.Equal(t, "boom", results["broken"].Error)
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()
	failing := true
	c.RegisterFunc("store", true, PingCheck(func(context.Context) error {
		if failing {
			return errors.New("closed")
		}
		return nil
	}))

	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready yet")

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "critical check failing")

	failing = false
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestHealthHandlerFullReport(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, PingCheck(func(context.Context) error { return nil }))
	c.SetReady(true)

	rec := httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health?full=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var rep Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rep))
	assert.Equal(t, StatusHealthy, rep.Status)
	assert.True(t, rep.Ready)
	assert.Equal(t, "ping ok", rep.Components["store"].Message)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	NewChecker().LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}

func TestBuiltinChecks(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	assert.Equal(t, StatusHealthy, MemoryCheck(0)(ctx).Status)
	assert.Equal(t, StatusDegraded, MemoryCheck(1)(ctx).Status)

	disk := DiskSpaceCheck(dir, 0)(ctx)
	assert.Contains(t, []Status{StatusHealthy, StatusUnknown}, disk.Status)
}
