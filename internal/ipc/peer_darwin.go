//go:build darwin

package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// GetPeerCredentials retrieves the credentials of the process on the other
// end of a unix socket via LOCAL_PEERCRED. Xucred carries no PID.
func GetPeerCredentials(conn net.Conn) (*PeerCredentials, error) {
	var cred *unix.Xucred
	var credErr error
	err := rawControl(conn, func(fd uintptr) {
		cred, credErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	})
	if err != nil {
		return nil, err
	}
	if credErr != nil {
		return nil, fmt.Errorf("getsockopt: %w", credErr)
	}
	pc := &PeerCredentials{UID: int(cred.Uid)}
	if cred.Ngroups > 0 {
		pc.GID = int(cred.Groups[0])
	}
	return pc, nil
}
