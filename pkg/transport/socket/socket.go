// Package socket implements Ethos's primary external interface: a
// length-prefixed, msgpack-framed Unix domain socket protocol (spec.md §6).
// Each frame is a 4-byte little-endian length prefix followed by that many
// bytes of msgpack-encoded payload.
package socket

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/modernmethod/ethos/pkg/transport"
)

// maxFrameSize bounds a single request frame to guard against a
// misbehaving client claiming an enormous length prefix.
const maxFrameSize = 16 << 20 // 16 MiB

// request is the wire shape of one socket call: a verb name and an
// arbitrary payload map, decoded from msgpack.
type request struct {
	Verb    string         `msgpack:"verb"`
	Payload map[string]any `msgpack:"payload"`
}

// Server accepts connections on a Unix domain socket and dispatches each
// framed request to a shared [transport.Core].
type Server struct {
	path string
	core *transport.Core

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// New returns a Server that will listen on path once ListenAndServe runs.
func New(path string, core *transport.Core) *Server {
	return &Server{path: path, core: core}
}

// ListenAndServe binds the Unix socket and accepts connections until ctx is
// cancelled or an unrecoverable accept error occurs. It removes a stale
// socket file left behind by a previous, uncleanly-stopped process.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if _, err := os.Stat(s.path); err == nil {
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("transport/socket: remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("transport/socket: listen %q: %w", s.path, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("transport/socket: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting connections and removes the socket file. In-flight
// connections are allowed to finish their current frame.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
	s.wg.Wait()
	return os.Remove(s.path)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		frame, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				slog.Debug("transport/socket: connection closed", "err", err)
			}
			return
		}

		var req request
		env := transport.Envelope{Version: s.core.Version}
		if err := msgpack.Unmarshal(frame, &req); err != nil {
			env = transport.Envelope{Status: "error", Error: "malformed request: " + err.Error(), Version: s.core.Version}
		} else {
			env = s.core.Dispatch(ctx, req.Verb, req.Payload)
		}

		out, err := msgpack.Marshal(env)
		if err != nil {
			slog.Warn("transport/socket: encode response failed", "err", err)
			return
		}
		if err := writeFrame(conn, out); err != nil {
			slog.Debug("transport/socket: write failed", "err", err)
			return
		}
	}
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("transport/socket: frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
