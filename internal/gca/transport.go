package gca

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// DefaultVsockPort is the AF_VSOCK port the agent listens on inside the
// guest.
const DefaultVsockPort = 1000

// ListenVsock binds the agent's control listener on the given vsock
// port, accepting connections from any CID. This is the guest-side
// entrypoint used by cmd/gca in production.
func ListenVsock(port uint32) (net.Listener, error) {
	return vsock.Listen(port, nil)
}

// DialHybridVsock connects to a guest's GCA through Firecracker's
// hybrid-vsock Unix domain socket, emulating the CONNECT/OK handshake
// the hypervisor's vsock device performs before it starts forwarding
// raw bytes to the given guest port. Used by host-side callers (the
// control plane reaching into a VM) that do not have native AF_VSOCK
// access to the guest.
func DialHybridVsock(udsPath string, port uint32, timeout time.Duration) (net.Conn, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.Dial("unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("gca: dial hybrid vsock socket: %w", err)
	}
	if err := sendHybridVsockConnect(conn, port, timeout); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func sendHybridVsockConnect(conn net.Conn, port uint32, timeout time.Duration) error {
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		return fmt.Errorf("gca: send CONNECT: %w", err)
	}

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("gca: read handshake response: %w", err)
	}
	if !strings.HasPrefix(line, "OK") {
		return fmt.Errorf("gca: hybrid vsock connect refused: %s", strings.TrimSpace(line))
	}

	if timeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}
	return nil
}
