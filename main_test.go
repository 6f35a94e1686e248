package main

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/Chocobozzz/PeerTube-sub005/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestServeReturnsWhenPortIsTaken(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	conf, err := util.ParseConf([]byte(fmt.Sprintf(`
conf:
  host: 127.0.0.1
  httpPort: %d
  domain: a.example
  database: %s
  environment: test
`, taken.Addr().(*net.TCPAddr).Port, filepath.Join(t.TempDir(), "serve.db"))))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- serve(context.Background(), conf, zaptest.NewLogger(t))
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve kept running after the HTTP server failed to start")
	}
}
