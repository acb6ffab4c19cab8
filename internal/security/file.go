package security

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// File permissions for runtime state and configuration.
const (
	PermPrivateFile os.FileMode = 0600
	PermPrivateDir  os.FileMode = 0700
)

var (
	ErrInsecurePermissions = errors.New("security: insecure file permissions")
	ErrAtomicWriteFailed   = errors.New("security: atomic write failed")
	ErrNotDirectory        = errors.New("security: not a directory")
	ErrLocked              = errors.New("security: file is locked by another process")
)

// AtomicFile is written to a temporary file next to its final path and
// renamed into place on Commit, so readers never see a partial file.
type AtomicFile struct {
	path string
	tmp  *os.File
}

// CreateAtomic starts an atomic write of path. Missing parent directories
// are created private.
func CreateAtomic(path string, perm os.FileMode) (*AtomicFile, error) {
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), PermPrivateDir); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.OpenFile(path+".tmp."+randomSuffix(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return &AtomicFile{path: path, tmp: tmp}, nil
}

func (f *AtomicFile) Write(p []byte) (int, error) {
	return f.tmp.Write(p)
}

// Commit syncs the data and moves it to the final path.
func (f *AtomicFile) Commit() error {
	if err := f.tmp.Sync(); err != nil {
		f.Abort()
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.tmp.Close(); err != nil {
		os.Remove(f.tmp.Name())
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(f.tmp.Name(), f.path); err != nil {
		os.Remove(f.tmp.Name())
		return fmt.Errorf("%w: %v", ErrAtomicWriteFailed, err)
	}
	return nil
}

// Abort drops the temporary file. It is safe after Commit.
func (f *AtomicFile) Abort() {
	f.tmp.Close()
	os.Remove(f.tmp.Name())
}

func randomSuffix() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// WriteFileAtomic writes data to path through an AtomicFile.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	f, err := CreateAtomic(path, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Abort()
		return err
	}
	return f.Commit()
}

// EnsurePrivateDir creates path with owner-only permissions, or tightens
// the permissions of an existing directory.
func EnsurePrivateDir(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return os.MkdirAll(path, PermPrivateDir)
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotDirectory, path)
	}
	if info.Mode().Perm()&0077 != 0 {
		if err := os.Chmod(path, PermPrivateDir); err != nil {
			return fmt.Errorf("fix directory permissions: %w", err)
		}
	}
	return nil
}

// CheckNotWritableByOthers reports ErrInsecurePermissions when users other
// than the owner may modify path. A missing file is not an error.
func CheckNotWritableByOthers(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode&0022 != 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrInsecurePermissions, path, mode)
	}
	return nil
}

// LockedFile is a file held under an exclusive advisory lock.
type LockedFile struct {
	*os.File
}

// OpenLocked opens or creates path and takes an exclusive lock without
// waiting. ErrLocked means another process holds it.
func OpenLocked(path string, perm os.FileMode) (*LockedFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, perm)
	if err != nil {
		return nil, err
	}
	if err := tryLock(f); err != nil {
		f.Close()
		return nil, err
	}
	return &LockedFile{File: f}, nil
}

// Replace truncates the file and writes data.
func (l *LockedFile) Replace(data []byte) error {
	if err := l.Truncate(0); err != nil {
		return err
	}
	if _, err := l.WriteAt(data, 0); err != nil {
		return err
	}
	return l.Sync()
}

// Close releases the lock.
func (l *LockedFile) Close() error {
	unlock(l.File)
	return l.File.Close()
}
