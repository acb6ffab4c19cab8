//go:build linux

package ipc

import (
	"net"

	"golang.org/x/sys/unix"
)

func peerOf(conn net.Conn) (peer, error) {
	var (
		cred *unix.Ucred
		err  error
	)
	if cerr := fdControl(conn, func(fd int) {
		cred, err = unix.GetsockoptUcred(fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); cerr != nil {
		return peer{}, cerr
	}
	if err != nil {
		return peer{}, err
	}
	return peer{uid: int(cred.Uid), pid: int(cred.Pid)}, nil
}
