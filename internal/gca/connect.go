package gca

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/mdlayher/vsock"
)

// HostCID is the AF_VSOCK context ID of the host, as seen from inside
// a guest.
const HostCID = 2

// ConnectOutbound dials the host over real AF_VSOCK (CID 2, port port)
// and runs the message loop. This is the spec-mandated production
// transport: the agent connects out rather than waiting to be dialed.
func ConnectOutbound(port uint32) error {
	conn, err := vsock.Dial(HostCID, port, nil)
	if err != nil {
		return fmt.Errorf("gca: dial host vsock: %w", err)
	}
	ServeConn(conn)
	return nil
}

// ConnectOutboundUDS dials a Unix domain socket standing in for the
// host's vsock endpoint in test/dev environments lacking real vsock
// support, performs the emulation handshake, and runs the message
// loop.
func ConnectOutboundUDS(path string) error {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return fmt.Errorf("gca: dial uds: %w", err)
	}

	reader, err := receiveEmulationHandshake(conn)
	if err != nil {
		conn.Close()
		return err
	}

	serveConn(conn, reader)
	return nil
}

// receiveEmulationHandshake implements the agent's side of the C9
// emulation handshake: after connecting, it waits for a line-buffered
// "CONNECT <port>" request and replies "OK <port>" before the message
// loop starts. Anything else is logged and the connection is closed.
// The returned reader resumes exactly where the handshake line left
// off — any bytes the handshake's line buffering already pulled off
// the wire past the "\n" are replayed first.
func receiveEmulationHandshake(conn net.Conn) (io.Reader, error) {
	br := bufio.NewReader(conn)
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("gca: read handshake request: %w", err)
	}

	trimmed := strings.TrimSpace(line)
	parts := strings.Fields(trimmed)
	if len(parts) != 2 || parts[0] != "CONNECT" {
		slog.Error("gca emulation handshake rejected", "line", trimmed)
		return nil, fmt.Errorf("gca: unexpected handshake line: %q", trimmed)
	}

	if _, err := fmt.Fprintf(conn, "OK %s\n", parts[1]); err != nil {
		return nil, fmt.Errorf("gca: send handshake reply: %w", err)
	}

	leftover, _ := br.Peek(br.Buffered())
	return io.MultiReader(bytes.NewReader(leftover), conn), nil
}
