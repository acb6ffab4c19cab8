package security

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

// =============================================================================
// File Tests
// =============================================================================

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "forkd.json")
	data := []byte(`{"pid": 1}`)

	if err := WriteFileAtomic(path, data, PermPrivateFile); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("file contents mismatch: got %q, want %q", got, data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != PermPrivateFile {
		t.Errorf("file permissions = %04o, want %04o", info.Mode().Perm(), PermPrivateFile)
	}
}

func TestAtomicReplace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := WriteFileAtomic(path, []byte("initial"), PermPrivateFile); err != nil {
		t.Fatalf("WriteFileAtomic failed: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("updated"), PermPrivateFile); err != nil {
		t.Fatalf("WriteFileAtomic update failed: %v", err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "updated" {
		t.Errorf("got %q, want %q", got, "updated")
	}
	matches, _ := filepath.Glob(path + ".tmp.*")
	if len(matches) > 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestAtomicAbortKeepsOriginal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := WriteFileAtomic(path, []byte("old"), PermPrivateFile); err != nil {
		t.Fatal(err)
	}

	f, err := CreateAtomic(path, PermPrivateFile)
	if err != nil {
		t.Fatalf("CreateAtomic failed: %v", err)
	}
	f.Write([]byte("half"))
	f.Abort()

	got, _ := os.ReadFile(path)
	if string(got) != "old" {
		t.Errorf("got %q after abort, want %q", got, "old")
	}
	matches, _ := filepath.Glob(path + ".tmp.*")
	if len(matches) > 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestEnsurePrivateDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no unix permissions")
	}
	path := filepath.Join(t.TempDir(), "forkd", "nested")

	if err := EnsurePrivateDir(path); err != nil {
		t.Fatalf("EnsurePrivateDir failed: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected a directory")
	}

	if err := os.Chmod(path, 0755); err != nil {
		t.Fatal(err)
	}
	if err := EnsurePrivateDir(path); err != nil {
		t.Fatalf("EnsurePrivateDir on open dir failed: %v", err)
	}
	info, _ = os.Stat(path)
	if info.Mode().Perm() != PermPrivateDir {
		t.Errorf("permissions = %04o, want %04o", info.Mode().Perm(), PermPrivateDir)
	}

	file := filepath.Join(path, "file")
	os.WriteFile(file, nil, 0600)
	if err := EnsurePrivateDir(file); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("got %v, want ErrNotDirectory", err)
	}
}

func TestCheckNotWritableByOthers(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no unix permissions")
	}
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := CheckNotWritableByOthers(path); err != nil {
		t.Errorf("missing file: %v", err)
	}

	os.WriteFile(path, []byte("x"), 0600)
	if err := CheckNotWritableByOthers(path); err != nil {
		t.Errorf("private file: %v", err)
	}

	os.Chmod(path, 0666)
	if err := CheckNotWritableByOthers(path); !errors.Is(err, ErrInsecurePermissions) {
		t.Errorf("got %v, want ErrInsecurePermissions", err)
	}
}

func TestOpenLocked(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("flock only")
	}
	path := filepath.Join(t.TempDir(), "forkd.pid")

	l, err := OpenLocked(path, PermPrivateFile)
	if err != nil {
		t.Fatalf("OpenLocked failed: %v", err)
	}
	if err := l.Replace([]byte("12345")); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	if err := l.Replace([]byte("7")); err != nil {
		t.Fatalf("Replace failed: %v", err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "7" {
		t.Errorf("got %q, want %q", got, "7")
	}

	// flock locks belong to the open file description, so a second open in
	// the same process conflicts too.
	if _, err := OpenLocked(path, PermPrivateFile); !errors.Is(err, ErrLocked) {
		t.Errorf("second lock: got %v, want ErrLocked", err)
	}

	l.Close()
	l2, err := OpenLocked(path, PermPrivateFile)
	if err != nil {
		t.Fatalf("lock after release failed: %v", err)
	}
	l2.Close()
}

// =============================================================================
// Rate Limiter Tests
// =============================================================================

func TestRateLimiterBurst(t *testing.T) {
	now := time.Unix(0, 0)
	r := NewRateLimiter(10, 3)
	r.now = func() time.Time { return now }
	r.last = now

	for i := 0; i < 3; i++ {
		if !r.Allow() {
			t.Fatalf("request %d denied within burst", i)
		}
	}
	if r.Allow() {
		t.Error("request allowed past burst")
	}

	now = now.Add(100 * time.Millisecond)
	if !r.Allow() {
		t.Error("token not refilled after 100ms at 10/s")
	}
	if r.Allow() {
		t.Error("more than one token refilled")
	}

	now = now.Add(time.Hour)
	for i := 0; i < 3; i++ {
		r.Allow()
	}
	if r.Allow() {
		t.Error("refill exceeded burst")
	}

	r.Reset()
	if !r.Allow() {
		t.Error("denied after reset")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	r := NewRateLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		if !r.Allow() {
			t.Fatal("disabled limiter denied a request")
		}
	}

	var nilLimiter *RateLimiter
	if !nilLimiter.Allow() {
		t.Error("nil limiter denied a request")
	}
}
