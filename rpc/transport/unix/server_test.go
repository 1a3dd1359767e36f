package unix

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ValentinKolb/bKV/rpc/common"
	"github.com/ValentinKolb/bKV/rpc/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerReplacesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bkv.sock")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))

	greet := func(loop *transport.Loop, conn *transport.Conn) {
		_ = conn.Write(loop, []byte("+OK\r\n"), func(*transport.Loop) {})
	}
	srv := NewUnixServerTransport()
	require.NoError(t, srv.Listen(common.ServerConfig{Transport: common.TransportConf{Type: "unix", Endpoint: path}}, greet))
	defer srv.Close()

	c, err := net.DialTimeout("unix", path, time.Second)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(2*time.Second)))

	buf := make([]byte, 5)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	assert.Equal(t, "+OK\r\n", string(buf))
}
