package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	_defaultServerListen      = "tcp:127.0.0.1:4713"
	_defaultServerTick        = 10 * time.Millisecond
	_defaultServerSinkLatency = 20 * time.Millisecond

	_listenSeparator = ","
)

// Server is the configuration for the null sink server
type Server struct {
	// Listen is a comma separated list of addresses, each tcp:host:port or unix:/path
	Listen string
	// WebSocketListen is the HTTP address accepting WebSocket connections. Empty disables it.
	WebSocketListen string
	// WebSocketInsecure disables the origin check of WebSocket upgrades
	WebSocketInsecure bool
	// Tick is the period at which playback data is consumed and record data produced
	Tick time.Duration
	// SinkLatency is the device latency reported in latency replies
	SinkLatency time.Duration
}

// NewServer returns a server configuration with default values
func NewServer() *Server {
	return &Server{
		Listen:      _defaultServerListen,
		Tick:        _defaultServerTick,
		SinkLatency: _defaultServerSinkLatency,
	}
}

// Adjust generates default values for empty fields
func (s *Server) Adjust() {
	if s.Tick == 0 {
		s.Tick = _defaultServerTick
	}
}

func (s *Server) Validate() error {
	if len(s.ListenAddresses()) == 0 && s.WebSocketListen == "" {
		return errors.New("no listen address")
	}
	if s.Tick < 0 {
		return errors.Errorf("invalid tick `%s`", s.Tick)
	}
	if s.SinkLatency < 0 {
		return errors.Errorf("invalid sink latency `%s`", s.SinkLatency)
	}
	return nil
}

// ListenAddresses splits Listen into its non-empty items
func (s *Server) ListenAddresses() []string {
	items := strings.Split(s.Listen, _listenSeparator)
	addrs := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			addrs = append(addrs, item)
		}
	}
	return addrs
}

func serverConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("listen", _defaultServerListen, "comma separated listen addresses: tcp:host:port or unix:/path")
	_ = v.BindPFlag("server.listen", fs.Lookup("listen"))
	fs.String("ws-listen", "", "HTTP listen address for WebSocket clients (disabled if empty)")
	_ = v.BindPFlag("server.webSocketListen", fs.Lookup("ws-listen"))
	fs.Bool("ws-insecure", false, "accept WebSocket upgrades from any origin")
	_ = v.BindPFlag("server.webSocketInsecure", fs.Lookup("ws-insecure"))
	fs.Duration("tick", _defaultServerTick, "time interval between consuming playback data and producing record data")
	_ = v.BindPFlag("server.tick", fs.Lookup("tick"))
	fs.Duration("sink-latency", _defaultServerSinkLatency, "device latency reported to clients")
	_ = v.BindPFlag("server.sinkLatency", fs.Lookup("sink-latency"))
}
