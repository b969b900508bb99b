// Package rpc is the gateway (C6): a Unix-domain-socket JSON-RPC 2.0
// server, 4-byte big-endian length-prefixed framing, dispatching
// through a method table onto the tree index, selector, mutator,
// persistence pipeline, and integrity gate.
package rpc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Gateway owns one listening Unix socket and accepts connections
// concurrently: the gateway itself is parallel, serialization happens
// lower down (per-tree locks, the row-store's own serializing
// interface).
type Gateway struct {
	socketPath string
	router     *Router
	log        *logrus.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewGateway returns a Gateway bound to socketPath, not yet listening.
func NewGateway(socketPath string, router *Router, log *logrus.Logger) *Gateway {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Gateway{socketPath: socketPath, router: router, log: log}
}

// Serve listens on the gateway's socket and accepts connections until
// ctx is cancelled or Close is called.
func (g *Gateway) Serve(ctx context.Context) error {
	os.Remove(g.socketPath) // stale socket from a prior unclean shutdown

	ln, err := net.Listen("unix", g.socketPath)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", g.socketPath, err)
	}
	g.mu.Lock()
	g.listener = ln
	g.mu.Unlock()

	go func() {
		<-ctx.Done()
		g.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("rpc: accept: %w", err)
			}
		}
		go g.handleConn(ctx, conn)
	}
}

// Close stops accepting new connections.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	err := g.listener.Close()
	g.listener = nil
	return err
}

func (g *Gateway) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	for {
		payload, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				g.log.WithError(err).Debug("rpc: connection closed")
			}
			return
		}

		var msg RequestMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			resp := ErrorResponse(nil, int(InvalidRequest), "malformed JSON-RPC payload", nil)
			g.writeResponse(conn, resp)
			continue
		}

		resp := g.router.Dispatch(ctx, msg)
		if msg.ID == nil {
			continue // notification: no response expected
		}
		if err := g.writeResponse(conn, resp); err != nil {
			g.log.WithError(err).Warn("rpc: failed to write response")
			return
		}
	}
}

func (g *Gateway) writeResponse(conn net.Conn, resp ResponseMessage) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("rpc: encode response: %w", err)
	}
	return writeFrame(conn, data)
}

// readFrame reads one 4-byte-length-prefixed JSON payload.
func readFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame writes payload prefixed by its 4-byte big-endian length.
func writeFrame(w io.Writer, payload []byte) error {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
