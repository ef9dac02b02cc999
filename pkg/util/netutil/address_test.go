package netutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Address
		wantErr bool
	}{
		{name: "tcp", in: "tcp:127.0.0.1:4713", want: Address{Network: NetworkTCP, Address: "127.0.0.1:4713"}},
		{name: "bare host port", in: "localhost:4713", want: Address{Network: NetworkTCP, Address: "localhost:4713"}},
		{name: "ipv6", in: "tcp:[::1]:4713", want: Address{Network: NetworkTCP, Address: "[::1]:4713"}},
		{name: "unix", in: "unix:/run/astream.sock", want: Address{Network: NetworkUnix, Address: "/run/astream.sock"}},
		{name: "bare path", in: "/run/astream.sock", want: Address{Network: NetworkUnix, Address: "/run/astream.sock"}},
		{name: "websocket", in: "ws://127.0.0.1:8080/audio", want: Address{Network: NetworkWebSocket, Address: "ws://127.0.0.1:8080/audio"}},
		{name: "secure websocket", in: "wss://example.com/audio", want: Address{Network: NetworkWebSocket, Address: "wss://example.com/audio"}},
		{name: "empty", in: "", wantErr: true},
		{name: "no port", in: "tcp:localhost", wantErr: true},
		{name: "empty port", in: "tcp:localhost:", wantErr: true},
		{name: "empty unix", in: "unix:", wantErr: true},
		{name: "websocket without host", in: "ws:///audio", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			re := require.New(t)

			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				re.ErrorIs(err, ErrInvalidAddress)
				return
			}
			re.NoError(err)
			re.Equal(tt.want, got)

			again, err := ParseAddress(got.String())
			re.NoError(err)
			re.Equal(got, again)
		})
	}
}

func TestListen(t *testing.T) {
	t.Parallel()
	re := require.New(t)

	l, err := Listen(Address{Network: NetworkTCP, Address: "127.0.0.1:0"})
	re.NoError(err)
	re.NoError(l.Close())

	l, err = Listen(Address{Network: NetworkUnix, Address: filepath.Join(t.TempDir(), "s.sock")})
	re.NoError(err)
	re.NoError(l.Close())

	_, err = Listen(Address{Network: NetworkWebSocket, Address: "ws://127.0.0.1:0/"})
	re.ErrorIs(err, ErrInvalidAddress)
}
