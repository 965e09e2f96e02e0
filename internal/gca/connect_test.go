package gca

import (
	"encoding/json"
	"net"
	"path/filepath"
	"testing"

	"vmgate/internal/frame"
)

func TestConnectOutboundUDS_HandshakeThenPingPong(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	var hostConn net.Conn
	go func() {
		defer close(done)
		hostConn, err = ln.Accept()
		if err != nil {
			return
		}
		if _, err := hostConn.Write([]byte("CONNECT 1000\n")); err != nil {
			return
		}

		buf := make([]byte, 256)
		n, err := hostConn.Read(buf)
		if err != nil || string(buf[:n]) != "OK 1000\n" {
			t.Errorf("got handshake reply %q, err %v", buf[:n], err)
			return
		}

		dec := frame.NewDecoder()
		for {
			n, err := hostConn.Read(buf)
			if n > 0 {
				frames, _ := dec.Feed(buf[:n])
				for _, f := range frames {
					var msg Message
					json.Unmarshal(f, &msg)
					if msg.Type == TypeReady {
						pingBytes, _ := frame.Encode(Message{Type: TypePing, ID: "p1"})
						hostConn.Write(pingBytes)
					}
					if msg.Type == TypePong {
						return
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go ConnectOutboundUDS(sockPath)

	<-done
}

func TestReceiveEmulationHandshake_RejectsGarbage(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "agent.sock")
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("GARBAGE\n"))
	}()

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, err = receiveEmulationHandshake(conn)
	if err == nil {
		t.Fatalf("expected error for garbage handshake line")
	}
}
