package gca

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"vmgate/internal/frame"
)

// Server accepts control connections (vsock in production, a Unix
// socket or net.Pipe in tests) and services each with the ready/ping/
// exec/error protocol. This is the older listen-only transport
// variant; ConnectOutbound/ConnectOutboundUDS implement the
// spec-mandated connect-outbound variant on top of the same ServeConn
// loop. Which one cmd/gca uses is a configuration choice, not a
// different program.
type Server struct {
	listener net.Listener
}

// NewServer wraps an already-bound listener.
func NewServer(listener net.Listener) *Server {
	return &Server{listener: listener}
}

// Serve accepts connections until the listener is closed. Each
// connection is handled sequentially in its own goroutine; a
// connection error never brings down the listener.
func (s *Server) Serve() error {
	slog.Info("gca listening")
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go ServeConn(conn)
	}
}

// ServeConn runs the ready/ping/exec/error message loop over conn until
// it closes or a fatal framing error occurs. conn is always closed on
// return, on every exit path.
func ServeConn(conn net.Conn) {
	serveConn(conn, conn)
}

// serveConn is ServeConn's implementation, parameterized on the read
// source so a caller that already consumed a handshake line off conn
// (and buffered bytes past it) can resume reading from that buffer
// instead of dropping it.
func serveConn(conn net.Conn, r io.Reader) {
	defer conn.Close()
	slog.Info("gca host connected", "remote", conn.RemoteAddr())

	ready := Message{Type: TypeReady, ID: uuid.NewString(), Payload: json.RawMessage("{}")}
	readyBytes, err := frame.Encode(ready)
	if err != nil {
		slog.Error("gca failed to encode ready message", "error", err)
		return
	}
	if _, err := conn.Write(readyBytes); err != nil {
		slog.Error("gca failed to send ready message", "error", err)
		return
	}
	slog.Info("gca sent ready signal")

	dec := frame.NewDecoder()
	buf := make([]byte, 4096)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, decErr := dec.Feed(buf[:n])
			if decErr != nil {
				slog.Error("gca framing error, closing connection", "error", decErr)
				return
			}
			for _, payload := range frames {
				var msg Message
				if unmarshalErr := json.Unmarshal(payload, &msg); unmarshalErr != nil {
					slog.Error("gca malformed json, closing connection", "error", unmarshalErr)
					return
				}
				resp := handle(msg)
				respBytes, encErr := frame.Encode(resp)
				if encErr != nil {
					slog.Error("gca failed to encode response", "error", encErr)
					continue
				}
				if _, writeErr := conn.Write(respBytes); writeErr != nil {
					slog.Error("gca connection write failed", "error", writeErr)
					return
				}
			}
		}
		if err != nil {
			if err != io.EOF {
				slog.Error("gca connection error", "error", err)
			}
			break
		}
	}

	slog.Info("gca host disconnected")
}
