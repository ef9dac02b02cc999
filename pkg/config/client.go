package config

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	_defaultClientServer                = "tcp:127.0.0.1:4713"
	_defaultClientRequestTimeout        = 10 * time.Second
	_defaultClientInterpolationInterval = 10 * time.Millisecond
	_defaultClientDialTimeout           = 5 * time.Second

	_defaultClientNamePrefix = "astream-"
)

// Client is the configuration for client.Context and the streams it creates
type Client struct {
	// Server is the address to connect to: tcp:host:port, unix:/path or ws://host:port/path
	Server string
	// Name is sent to the server when the connection is set up.
	// It defaults to a random name.
	Name string
	// DefaultSink is the device a playback stream is connected to if none is given
	DefaultSink string
	// DefaultSource is the device a record stream is connected to if none is given
	DefaultSource string
	// RequestTimeout is how long a request waits for its reply
	RequestTimeout time.Duration
	// InterpolationInterval is the period of latency refreshes for interpolating streams
	InterpolationInterval time.Duration
	// DialTimeout bounds establishing the connection
	DialTimeout time.Duration
}

// NewClient returns a client configuration with default values
func NewClient() *Client {
	return &Client{
		Server:                _defaultClientServer,
		RequestTimeout:        _defaultClientRequestTimeout,
		InterpolationInterval: _defaultClientInterpolationInterval,
		DialTimeout:           _defaultClientDialTimeout,
	}
}

// Adjust generates default values for empty fields
func (c *Client) Adjust() {
	if c.Name == "" {
		c.Name = _defaultClientNamePrefix + uuid.NewString()[:8]
	}
}

func (c *Client) Validate() error {
	if c.Server == "" {
		return errors.New("empty server address")
	}
	if c.RequestTimeout <= 0 {
		return errors.Errorf("invalid request timeout `%s`", c.RequestTimeout)
	}
	if c.InterpolationInterval <= 0 {
		return errors.Errorf("invalid interpolation interval `%s`", c.InterpolationInterval)
	}
	if c.DialTimeout < 0 {
		return errors.Errorf("invalid dial timeout `%s`", c.DialTimeout)
	}
	return nil
}

func clientConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("server", _defaultClientServer, "server address: tcp:host:port, unix:/path or ws://host:port/path")
	_ = v.BindPFlag("client.server", fs.Lookup("server"))
	fs.String("client-name", "", "name announced to the server (default 'astream-${random}')")
	_ = v.BindPFlag("client.name", fs.Lookup("client-name"))
	fs.String("default-sink", "", "sink used by playback streams without an explicit device")
	_ = v.BindPFlag("client.defaultSink", fs.Lookup("default-sink"))
	fs.String("default-source", "", "source used by record streams without an explicit device")
	_ = v.BindPFlag("client.defaultSource", fs.Lookup("default-source"))
	fs.Duration("request-timeout", _defaultClientRequestTimeout, "time after which a request without reply fails")
	_ = v.BindPFlag("client.requestTimeout", fs.Lookup("request-timeout"))
	fs.Duration("interpolation-interval", _defaultClientInterpolationInterval, "time interval between latency refreshes of interpolating streams")
	_ = v.BindPFlag("client.interpolationInterval", fs.Lookup("interpolation-interval"))
	fs.Duration("dial-timeout", _defaultClientDialTimeout, "time limit for connecting to the server (zero for no limit)")
	_ = v.BindPFlag("client.dialTimeout", fs.Lookup("dial-timeout"))
}
