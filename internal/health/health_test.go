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

	"forkd/internal/fork"
)

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("archive", false, FuncCheck(func() error { return errors.New("locked") }))
	c.RegisterFunc("machine", true, FuncCheck(func() error { return nil }))

	// Nothing has run yet, and the critical check is unknown.
	assert.Equal(t, StatusUnknown, c.OverallStatus())

	results := c.Check(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, StatusUnhealthy, results["archive"].Status)
	assert.Equal(t, StatusDegraded, c.OverallStatus(), "non-critical failure degrades")

	c.RegisterFunc("machine", true, FuncCheck(func() error { return errors.New("stopped") }))
	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())

	c.Unregister("machine")
	c.Unregister("archive")
	assert.Equal(t, StatusHealthy, c.OverallStatus())
}

func TestCheckTimeoutAndPanic(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})
	c.RegisterFunc("panics", false, func(ctx context.Context) CheckResult {
		panic("boom")
	})

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
	assert.Equal(t, StatusUnhealthy, results["panics"].Status)
	assert.Equal(t, "boom", results["panics"].Error)
}

func TestMachineCheck(t *testing.T) {
	running := func(ctx context.Context) (fork.Status, error) {
		return fork.Status{State: "normal", ConfigName: "default", Output: 2}, nil
	}
	blocked := func(ctx context.Context) (fork.Status, error) {
		return fork.Status{State: "normal", Output: 50}, nil
	}
	stopped := func(ctx context.Context) (fork.Status, error) {
		return fork.Status{}, errors.New("not running")
	}

	ctx := context.Background()
	assert.Equal(t, StatusHealthy, MachineCheck(running, 10)(ctx).Status)
	assert.Equal(t, StatusDegraded, MachineCheck(blocked, 10)(ctx).Status)
	assert.Equal(t, StatusUnhealthy, MachineCheck(stopped, 10)(ctx).Status)
}

func TestDeviceAndDiskChecks(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	assert.Equal(t, StatusHealthy, DeviceCheck(dir)(ctx).Status)
	assert.Equal(t, StatusUnhealthy, DeviceCheck(dir+"/missing")(ctx).Status)

	assert.Equal(t, StatusHealthy, DiskSpaceCheck(dir, 1)(ctx).Status)
	assert.Equal(t, StatusDegraded, DiskSpaceCheck(dir, 1<<62)(ctx).Status)
	assert.Equal(t, StatusUnknown, DiskSpaceCheck(dir+"/missing", 1)(ctx).Status)
}

func TestMemoryCheck(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusHealthy, MemoryCheck(1<<62)(ctx).Status)
	assert.Equal(t, StatusDegraded, MemoryCheck(1)(ctx).Status)
}

func TestArchiveCheck(t *testing.T) {
	ok := ArchiveCheck(func(ctx context.Context) error { return nil })
	bad := ArchiveCheck(func(ctx context.Context) error { return errors.New("closed") })
	assert.Equal(t, StatusHealthy, ok(context.Background()).Status)
	assert.Equal(t, "closed", bad(context.Background()).Error)
}

func TestHandlers(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("machine", true, FuncCheck(func() error { return nil }))
	routes := c.Routes()

	rec := httptest.NewRecorder()
	routes["/healthz"].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	routes["/readyz"].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before SetReady")

	c.SetReady(true)
	c.Check(context.Background())
	rec = httptest.NewRecorder()
	routes["/readyz"].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	routes["/health"].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health?full=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Ready)
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Contains(t, resp.Components, "machine")
}
