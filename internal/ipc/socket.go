package ipc

import (
	"fmt"
	"net"
	"os"
	"time"
)

// PeerCredentials identifies the process on the other end of a socket.
type PeerCredentials struct {
	PID int
	UID int
	GID int
}

// peerPermission grants write access to the socket owner and root. Peers
// whose credentials cannot be read are trusted, the socket mode being the
// access control in that case.
func peerPermission(conn net.Conn) PermissionLevel {
	cred, err := GetPeerCredentials(conn)
	if err != nil {
		return PermReadWrite
	}
	if cred.UID == os.Getuid() || cred.UID == 0 {
		return PermReadWrite
	}
	return PermReadOnly
}

// CleanupSocket removes a stale socket file. Anything other than a socket
// at path is left alone and reported.
func CleanupSocket(path string) error {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if info.Mode()&os.ModeSocket != 0 {
		return os.Remove(path)
	}
	return fmt.Errorf("path exists but is not a socket: %s", path)
}

// IsSocketListening reports whether a server accepts connections at path.
func IsSocketListening(path string) bool {
	conn, err := net.DialTimeout("unix", path, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
