package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"hello":"world"}`)
	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("writeFrame failed: %v", err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("expected %s, got %s", payload, got)
	}
}

func TestGatewayServesOneRequest(t *testing.T) {
	router := NewRouter()
	router.Register("ping", func(ctx context.Context, params []byte) Envelope { return Ok("pong") })

	socketPath := filepath.Join(t.TempDir(), "codetree.sock")
	gw := NewGateway(socketPath, router, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- gw.Serve(ctx) }()

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to dial gateway socket: %v", err)
	}
	defer conn.Close()

	req := RequestMessage{JSONRPC: JSONRPCVersion, ID: 1, Method: "ping"}
	payload, _ := json.Marshal(req)
	if err := writeFrame(conn, payload); err != nil {
		t.Fatalf("writeFrame failed: %v", err)
	}

	respBytes, err := readFrame(conn)
	if err != nil {
		t.Fatalf("readFrame failed: %v", err)
	}
	var resp ResponseMessage
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response failed: %v", err)
	}
	if resp.Result != "pong" {
		t.Errorf("expected result %q, got %v", "pong", resp.Result)
	}

	cancel()
	<-errCh
}
