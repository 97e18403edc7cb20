package main

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bingosuite/idews/config"
	"github.com/bingosuite/idews/internal/ws"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServeReturnsWhenBindFails(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = taken.Close() }()

	cfg := config.Default().Server
	cfg.Port = taken.Addr().(*net.TCPAddr).Port
	var out bytes.Buffer

	done := make(chan error, 1)
	go func() {
		done <- serve(context.Background(), ws.NewServer(cfg, zap.NewNop(), nil), &out)
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after the bind failure")
	}
	assert.Empty(t, out.String())
}

func TestServePrintsURLAndStopsOnCancel(t *testing.T) {
	server := ws.NewServer(config.Default().Server, zap.NewNop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	var out syncBuffer

	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, server, &out)
	}()

	require.Eventually(t, func() bool { return out.String() != "" }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
	assert.Equal(t, "Pass --ws "+server.URL()+" to the monitor\n", out.String())
}
