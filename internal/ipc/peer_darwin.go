//go:build darwin

package ipc

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerOf reads LOCAL_PEERCRED, which carries no pid.
func peerOf(conn net.Conn) (peer, error) {
	var (
		xu  *unix.Xucred
		err error
	)
	if cerr := fdControl(conn, func(fd int) {
		xu, err = unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	}); cerr != nil {
		return peer{}, cerr
	}
	if err != nil {
		return peer{}, err
	}
	return peer{uid: int(xu.Uid)}, nil
}
