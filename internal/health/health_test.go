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
	c.RegisterFunc("storage", true, StorageCheck(func(context.Context) error { return nil }))
	c.RegisterFunc("peers", false, PeersCheck(2, func() int { return 0 }))

	assert.Equal(t, StatusUnknown, c.OverallStatus(), "critical check has not run")

	results := c.Check(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusHealthy, results["storage"].Status)
	assert.Equal(t, StatusDegraded, results["peers"].Status)
	assert.Equal(t, StatusDegraded, c.OverallStatus())
}

func TestCriticalFailure(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("storage", true, StorageCheck(func(context.Context) error { return errors.New("disk gone") }))
	c.Check(context.Background())

	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
	res, ok := c.GetResult("storage")
	require.True(t, ok)
	assert.Equal(t, "disk gone", res.Error)
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
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

func TestPeersCheckWithoutConfiguredPeers(t *testing.T) {
	res := PeersCheck(0, func() int { return 0 })(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, 0, res.Details["connected"])
}

func TestHandlers(t *testing.T) {
	c := NewChecker()
	healthy := true
	c.RegisterFunc("storage", true, CustomCheck(func() error {
		if !healthy {
			return errors.New("unreachable")
		}
		return nil
	}))
	mux := http.NewServeMux()
	c.Mount(mux)

	get := func(path string) (*httptest.ResponseRecorder, map[string]any) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		var body map[string]any
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		return rec, body
	}

	rec, body := get("/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", body["status"])

	rec, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec, body = get("/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(StatusHealthy), body["status"])

	rec, body = get("/health?full=true")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "components")

	healthy = false
	rec, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec, body = get("/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, body, "components")
}
