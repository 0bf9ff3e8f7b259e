package base

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/segcache/rpc/common"
	"github.com/ValentinKolb/segcache/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// unixConnector listens on a unix socket
type unixConnector struct{}

func (unixConnector) Listen(endpoint string) (net.Listener, error) { return net.Listen("unix", endpoint) }
func (unixConnector) GetName() string                              { return "unix" }
func (unixConnector) UpgradeConnection(net.Conn, common.ServerConfig) error {
	return nil
}

// lineHandler answers every complete line with its upper case version and
// ends the session on "QUIT"
func lineHandler(in, out []byte) (int, []byte, bool) {
	consumed := 0
	for {
		eol := bytes.IndexByte(in[consumed:], '\n')
		if eol < 0 {
			return consumed, out, false
		}
		line := in[consumed : consumed+eol]
		consumed += eol + 1
		if string(line) == "quit" {
			return consumed, append(out, "BYE\n"...), true
		}
		out = append(out, bytes.ToUpper(line)...)
		out = append(out, '\n')
	}
}

func startServer(t *testing.T, config common.ServerConfig, maxBuffer int) (transport.IServerTransport, string, context.CancelFunc, <-chan error) {
	t.Helper()
	endpoint := filepath.Join(t.TempDir(), "test.sock")

	srv := NewBaseServerTransport(t.Name(), unixConnector{}, config, maxBuffer)
	srv.RegisterHandler(lineHandler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx, endpoint) }()

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", endpoint)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	t.Cleanup(cancel)
	return srv, endpoint, cancel, done
}

func testConfig() common.ServerConfig {
	config := common.DefaultServerConfig()
	config.BufferSize = 1024
	config.MaxConnections = 4
	return config
}

func TestSessionPipelining(t *testing.T) {
	_, endpoint, _, _ := startServer(t, testConfig(), 64<<10)

	conn, err := net.Dial("unix", endpoint)
	require.NoError(t, err)
	defer conn.Close()
	reader := bufio.NewReader(conn)

	// several requests in one write, the last one split across writes
	_, err = conn.Write([]byte("a\nbb\ncc"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte("c\n"))
	require.NoError(t, err)

	for _, want := range []string{"A\n", "BB\n", "CCC\n"} {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, want, line)
	}
}

func TestSessionBufferGrowth(t *testing.T) {
	_, endpoint, _, _ := startServer(t, testConfig(), 64<<10)

	conn, err := net.Dial("unix", endpoint)
	require.NoError(t, err)
	defer conn.Close()

	// a line much larger than the initial buffer
	long := bytes.Repeat([]byte("x"), 20<<10)
	_, err = conn.Write(append(long, '\n'))
	require.NoError(t, err)

	line, err := bufio.NewReaderSize(conn, 32<<10).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, string(bytes.ToUpper(long))+"\n", line)
}

func TestSessionBufferLimit(t *testing.T) {
	_, endpoint, _, _ := startServer(t, testConfig(), 4<<10)

	conn, err := net.Dial("unix", endpoint)
	require.NoError(t, err)
	defer conn.Close()

	// no newline: the buffer fills up and the session is closed
	_, _ = conn.Write(bytes.Repeat([]byte("x"), 8<<10))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestSessionQuit(t *testing.T) {
	srv, endpoint, _, _ := startServer(t, testConfig(), 64<<10)

	conn, err := net.Dial("unix", endpoint)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hi\nquit\nignored\n"))
	require.NoError(t, err)

	data, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "HI\nBYE\n", string(data))
	assert.Eventually(t, func() bool { return srv.Sessions() == 0 }, time.Second, 10*time.Millisecond)
}

func TestShutdownClosesSessions(t *testing.T) {
	srv, endpoint, cancel, done := startServer(t, testConfig(), 64<<10)

	conns := make([]net.Conn, 3)
	for i := range conns {
		conn, err := net.Dial("unix", endpoint)
		require.NoError(t, err)
		defer conn.Close()
		conns[i] = conn
	}
	assert.Eventually(t, func() bool { return srv.Sessions() == 3 }, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}

	for _, conn := range conns {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, err := conn.Read(make([]byte, 1))
		assert.Error(t, err)
	}
	assert.Equal(t, 0, srv.Sessions())
}

func TestMaxConnections(t *testing.T) {
	config := testConfig()
	config.MaxConnections = 1
	srv, endpoint, _, _ := startServer(t, config, 64<<10)

	// the startup probe may still hold the only slot
	require.Eventually(t, func() bool { return srv.Sessions() == 0 }, time.Second, 10*time.Millisecond)

	first, err := net.Dial("unix", endpoint)
	require.NoError(t, err)
	_, err = first.Write([]byte("one\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(first).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "ONE\n", line)

	// the second session waits in the accept queue until the first one ends
	second, err := net.Dial("unix", endpoint)
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Write([]byte("two\n"))
	require.NoError(t, err)

	require.NoError(t, second.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, err = second.Read(make([]byte, 1))
	require.Error(t, err, "second session must not be served while the first is open")

	require.NoError(t, first.Close())
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err = bufio.NewReader(second).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "TWO\n", line)
}

func TestEnsureSpace(t *testing.T) {
	buf := make([]byte, 1000, 1024)
	grown, ok := ensureSpace(buf, 4096)
	require.True(t, ok)
	assert.Equal(t, 2048, cap(grown))
	assert.Len(t, grown, 1000)

	grown, ok = ensureSpace(make([]byte, 4000, 4096), 4096)
	assert.True(t, ok)
	assert.Equal(t, 4096, cap(grown))

	_, ok = ensureSpace(make([]byte, 4096), 4096)
	assert.False(t, ok)
}
