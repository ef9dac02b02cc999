package server

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/AutoMQ/audiostream/pkg/client"
	"github.com/AutoMQ/audiostream/pkg/config"
)

func TestService(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	sock := filepath.Join(t.TempDir(), "astream.sock")
	cfg, err := config.NewConfig("test", []string{
		"--listen", "tcp:127.0.0.1:0, unix:" + sock,
		"--ws-listen", "127.0.0.1:0",
		"--metrics-addr", "127.0.0.1:0",
	})
	re.NoError(err)
	re.NoError(cfg.Adjust())
	re.NoError(cfg.Validate())

	svc := NewService(context.Background(), cfg, zap.NewNop())
	re.True(svc.IsClosed())
	re.NoError(svc.Start())
	re.False(svc.IsClosed())
	re.NotNil(svc.Server().metrics)

	addrs := svc.Addrs()
	re.Len(addrs, 2)
	for _, addr := range []string{"tcp:" + addrs[0].String(), "unix:" + sock} {
		tc := connect(t, addr)
		tc.do(tc.ctx.Disconnect)
	}

	tc := connect(t, "tcp:"+addrs[0].String())
	svc.Close()
	re.True(svc.IsClosed())
	tc.waitState(client.ContextFailed)

	// closing twice is harmless
	svc.Close()
}

func TestService_StartFailure(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	cfg, err := config.NewConfig("test", []string{"--listen", "tcp:127.0.0.1:0,udp:nowhere"})
	re.NoError(err)
	re.NoError(cfg.Adjust())

	svc := NewService(context.Background(), cfg, nil)
	re.Error(svc.Start())
	re.True(svc.IsClosed())
	re.Empty(svc.Server().Streams())
}
