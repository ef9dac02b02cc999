// Copyright 2016 TiKV Project Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Configurer registers additional flags on the flag set and binds them to v
type Configurer func(v *viper.Viper, fs *pflag.FlagSet)

// Config is the configuration shared by the client library, the null sink server and the tools
type Config struct {
	v *viper.Viper

	Client  *Client
	Server  *Server
	Log     *Log
	Metrics *Metrics

	args []string
	lg   *zap.Logger
}

// NewConfig creates a new config from command line arguments and an optional configuration file.
func NewConfig(name string, arguments []string, configurers ...Configurer) (*Config, error) {
	cfg := &Config{
		Client:  NewClient(),
		Server:  NewServer(),
		Log:     NewLog(),
		Metrics: &Metrics{},
		lg:      zap.NewNop(),
	}

	v, fs := configure(name)
	for _, c := range configurers {
		c(v, fs)
	}

	// parse from command line
	fs.String("config", "", "configuration file")
	err := fs.Parse(arguments)
	if err != nil {
		return nil, err
	}

	// read configuration from file
	c, _ := fs.GetString("config")
	if c != "" {
		v.SetConfigFile(c)
		err = v.ReadInConfig()
		if err != nil {
			return nil, errors.Wrap(err, "read configuration file")
		}
	}

	// set config
	err = v.Unmarshal(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal configuration")
	}

	cfg.v = v
	cfg.args = fs.Args()
	return cfg, nil
}

// Adjust generates default values for some fields (if they are empty)
func (c *Config) Adjust() error {
	c.Client.Adjust()
	c.Server.Adjust()
	err := c.Log.Adjust()
	if err != nil {
		return errors.WithMessage(err, "adjust log config")
	}
	return nil
}

// Validate checks whether the configuration is valid. It should be called after Adjust
func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return errors.WithMessage(err, "validate client config")
	}
	if err := c.Server.Validate(); err != nil {
		return errors.WithMessage(err, "validate server config")
	}
	return nil
}

// Viper returns the underlying viper instance, for reading keys bound by extra configurers
func (c *Config) Viper() *viper.Viper {
	return c.v
}

// Args returns the positional arguments left after parsing flags
func (c *Config) Args() []string {
	return c.args
}

// SetLogger sets the logger returned by Logger
func (c *Config) SetLogger(logger *zap.Logger) {
	c.lg = logger
}

// Logger returns logger generated based on the config
func (c *Config) Logger() *zap.Logger {
	return c.lg
}

func configure(name string) (*viper.Viper, *pflag.FlagSet) {
	v := viper.New()
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)

	// Viper settings
	v.AddConfigPath(".")
	v.AddConfigPath("$CONFIG_DIR/")

	clientConfigure(v, fs)
	serverConfigure(v, fs)
	logConfigure(v, fs)
	metricsConfigure(v, fs)

	return v, fs
}

// Metrics is the configuration for the Prometheus endpoint
type Metrics struct {
	// Addr is the HTTP listen address of the /metrics endpoint. Empty disables it.
	Addr string
}

func metricsConfigure(v *viper.Viper, fs *pflag.FlagSet) {
	fs.String("metrics-addr", "", "listen address of the prometheus endpoint, e.g. 127.0.0.1:9100 (disabled if empty)")
	_ = v.BindPFlag("metrics.addr", fs.Lookup("metrics-addr"))
}
