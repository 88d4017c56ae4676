package control

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpl9000/EGD/core"
)

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(noopWriter{}, nil))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func startServer(t *testing.T) (*Server, *core.Pool, *core.Persister, int) {
	t.Helper()

	pool := core.NewPool(1024*1024, 4096)
	path := filepath.Join(t.TempDir(), "pool.snap")
	persister := core.NewPersister(pool, path, testLogger())
	scheduler := core.NewScheduler(testLogger())
	scheduler.Pool = pool

	port := freePort(t)
	server := NewServer(pool, persister, scheduler, testLogger(), port)

	go func() {
		_ = server.ListenAndServe()
	}()

	// Wait for the listener to come up before the first dial.
	for i := 0; i < 100; i++ {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	return server, pool, persister, port
}

func sendCommand(t *testing.T, port int, cmd string) string {
	t.Helper()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(cmd + "\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, _ := reader.ReadString('\n')
	return line
}

func TestControlServerStatusOnEmptyPool(t *testing.T) {
	t.Parallel()

	_, _, _, port := startServer(t)

	reply := sendCommand(t, port, "status")
	assert.Equal(t, "OK total_bytes=0 total_bits=0 max_bytes=1048576 chunks=0\n", reply)
}

func TestControlServerGetEntropyOnEmptyPool(t *testing.T) {
	t.Parallel()

	_, _, _, port := startServer(t)

	reply := sendCommand(t, port, "getentropy 32")
	assert.Equal(t, "OK bytes=0 bits=0\n", reply)
}

func TestControlServerGetEntropyAfterAppend(t *testing.T) {
	t.Parallel()

	_, pool, _, port := startServer(t)
	pool.Append(make([]byte, 1000), 800)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("getentropy 500\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	header, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK bytes=500 bits=400\n", header)

	payload := make([]byte, 500)
	_, err = reader.Read(payload)
	require.NoError(t, err)
}

func TestControlServerGetEntropyClampsAboveCap(t *testing.T) {
	t.Parallel()

	_, _, _, port := startServer(t)

	reply := sendCommand(t, port, fmt.Sprintf("getentropy %d", maxGetEntropyBytes+1000))
	assert.True(t, strings.HasPrefix(reply, "OK bytes=0 bits=0"))
	assert.Contains(t, reply, "clamped=true")
}

func TestControlServerPersist(t *testing.T) {
	t.Parallel()

	_, _, persister, port := startServer(t)

	reply := sendCommand(t, port, "persist")
	assert.Equal(t, fmt.Sprintf("OK persisted=%s\n", persister.Path), reply)
}

func TestControlServerUnknownCommand(t *testing.T) {
	t.Parallel()

	_, _, _, port := startServer(t)

	reply := sendCommand(t, port, "bogus")
	assert.Contains(t, reply, "ERR")
}
