package hostserver

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kakaly/mlxhost/internal/engine/enginetest"
	"github.com/kakaly/mlxhost/internal/protocol"
	"github.com/kakaly/mlxhost/internal/wire"
)

func TestServerAcceptsAndDispatches(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "mlx-host-test.sock")

	srv, err := New(Config{
		SocketPath: socketPath,
		Engine:     enginetest.New(),
	})
	require.NoError(t, err)
	defer srv.Close()

	go func() { _ = srv.Serve() }()

	var nc net.Conn
	for i := 0; i < 50; i++ {
		nc, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, err)
	defer nc.Close()

	env, err := protocol.NewEnvelope("1", protocol.TypeModelList, nil)
	require.NoError(t, err)
	frame, err := wire.Encode(env)
	require.NoError(t, err)
	_, err = nc.Write(frame)
	require.NoError(t, err)

	nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	dec := wire.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := nc.Read(buf)
		require.NoError(t, err)
		envs, err := dec.Feed(buf[:n])
		require.NoError(t, err)
		if len(envs) > 0 {
			require.Equal(t, protocol.TypeModelListOK, envs[0].Type)
			return
		}
	}
}

func TestServerRemovesStaleSocketOnStart(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "stale.sock")
	require.NoError(t, os.WriteFile(socketPath, []byte("leftover"), 0644))

	srv, err := New(Config{SocketPath: socketPath, Engine: enginetest.New()})
	require.NoError(t, err)
	defer srv.Close()
}
