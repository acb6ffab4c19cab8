package health

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"forkd/internal/fork"
)

func result(st Status, msg string, details map[string]any) CheckResult {
	return CheckResult{Status: st, Message: msg, Details: details}
}

func failure(st Status, msg string, err error, details map[string]any) CheckResult {
	return CheckResult{Status: st, Message: msg, Error: err.Error(), Details: details}
}

// FuncCheck is healthy while fn returns nil.
func FuncCheck(fn func() error) Check {
	return func(context.Context) CheckResult {
		if err := fn(); err != nil {
			return failure(StatusUnhealthy, "check failed", err, nil)
		}
		return result(StatusHealthy, "check passed", nil)
	}
}

// ArchiveCheck pings the history archive database.
func ArchiveCheck(ping func(context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return failure(StatusUnhealthy, "archive unreachable", err, nil)
		}
		return result(StatusHealthy, "archive ok", nil)
	}
}

// MachineCheck is unhealthy once the fork machine has stopped answering
// or closed, and degraded while more than maxBacklog events wait for the
// output device.
func MachineCheck(status func(context.Context) (fork.Status, error), maxBacklog int) Check {
	return func(ctx context.Context) CheckResult {
		st, err := status(ctx)
		if err != nil {
			return failure(StatusUnhealthy, "fork machine unavailable", err, nil)
		}
		d := map[string]any{
			"state":  st.State,
			"config": st.ConfigName,
			"input":  st.Input,
			"output": st.Output,
		}
		switch {
		case st.Closed:
			return result(StatusUnhealthy, "fork machine closed", d)
		case st.Output > maxBacklog:
			return result(StatusDegraded, fmt.Sprintf("%d events waiting for output", st.Output), d)
		}
		return result(StatusHealthy, "fork machine running", d)
	}
}

// DiskSpaceCheck degrades when the file system holding path has less than
// minFree bytes available.
func DiskSpaceCheck(path string, minFree int64) Check {
	return func(context.Context) CheckResult {
		var fs unix.Statfs_t
		if err := unix.Statfs(path, &fs); err != nil {
			return failure(StatusUnknown, "statfs failed", err, map[string]any{"path": path})
		}
		free := int64(fs.Bavail) * int64(fs.Bsize)
		d := map[string]any{"path": path, "free_bytes": free, "min_free_bytes": minFree}
		if free < minFree {
			return result(StatusDegraded, "low disk space", d)
		}
		return result(StatusHealthy, "disk space ok", d)
	}
}

// MemoryCheck degrades once the Go heap grows past maxHeap bytes.
func MemoryCheck(maxHeap uint64) Check {
	return func(context.Context) CheckResult {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		d := map[string]any{
			"heap_alloc":     ms.HeapAlloc,
			"max_heap_bytes": maxHeap,
			"goroutines":     runtime.NumGoroutine(),
		}
		if ms.HeapAlloc > maxHeap {
			return result(StatusDegraded, "heap above limit", d)
		}
		return result(StatusHealthy, "memory ok", d)
	}
}

// DeviceCheck is unhealthy while the keyboard node at path is gone.
func DeviceCheck(path string) Check {
	return func(context.Context) CheckResult {
		d := map[string]any{"path": path}
		if _, err := os.Stat(path); err != nil {
			return failure(StatusUnhealthy, "device missing", err, d)
		}
		return result(StatusHealthy, "device present", d)
	}
}
