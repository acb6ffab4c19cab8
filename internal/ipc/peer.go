package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"forkd/internal/security"
)

// ErrSocketInUse is returned by Start when another process answers on the
// socket path.
var ErrSocketInUse = errors.New("ipc: socket already in use")

// peer identifies the process on the far side of a connection. pid is 0
// where the platform does not report it.
type peer struct {
	uid int
	pid int
}

// trusted accepts the daemon's own user and root.
func (p peer) trusted() bool {
	return p.uid == os.Getuid() || p.uid == 0
}

// fdControl runs fn against the descriptor of a unix connection.
func fdControl(conn net.Conn, fn func(fd int)) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("ipc: %T has no descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return err
	}
	return raw.Control(func(fd uintptr) { fn(int(fd)) })
}

// listenUnix binds path for the daemon. A socket that still answers is
// left alone, a dead one is replaced, and anything else at path is an
// error. The socket is readable by its owner only.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), security.PermPrivateDir); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}

	fi, err := os.Lstat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	case fi.Mode()&os.ModeSocket == 0:
		return nil, fmt.Errorf("%s exists and is not a socket", path)
	default:
		if c, err := net.DialTimeout("unix", path, time.Second); err == nil {
			c.Close()
			return nil, fmt.Errorf("%w: %s", ErrSocketInUse, path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on socket: %w", err)
	}
	if err := os.Chmod(path, security.PermPrivateFile); err != nil {
		l.Close()
		return nil, fmt.Errorf("set socket permissions: %w", err)
	}
	return l, nil
}
