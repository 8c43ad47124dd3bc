// Package config implements the daemon's two-tier configuration: process
// tunables read once from the environment via sethvargo/go-envconfig, and
// user preferences loaded from a YAML file and hot-reloaded on change,
// grounded on pkg/client/envconfig.go and pkg/client/config.go.
package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// Env holds the process-level tunables that are only ever read once, at
// daemon start, and never change for the life of the process.
type Env struct {
	SocketPath  string `env:"TUNNELD_SOCKET,default=/var/run/tunneld/daemon.sock"`
	LogDir      string `env:"TUNNELD_LOG_DIR,default=/var/log/tunneld"`
	LogLevel    string `env:"TUNNELD_LOG_LEVEL,default=info"`
	ResourceDir string `env:"TUNNELD_RESOURCE_DIR,default=/var/lib/tunneld"`

	// ConnectTimeoutSecs is loaded from the environment but not passed to
	// the state machine: Connecting uses its own fixed 120-second
	// connectTimeout, after which it reconnects rather than entering Error.
	ConnectTimeoutSecs int `env:"TUNNELD_CONNECT_TIMEOUT_SECS,default=120"`

	// Tunnel endpoint parameters. Relay selection and credential exchange
	// are out of scope (spec.md Non-goals), so these are read directly
	// rather than negotiated with a relay list service.
	PeerEndpoint  string `env:"TUNNELD_PEER_ENDPOINT,default=127.0.0.1:51820"`
	NextHop       string `env:"TUNNELD_NEXT_HOP,default=127.0.0.1"`
	ProxyEndpoint string `env:"TUNNELD_PROXY_ENDPOINT,default="`
	Interface     string `env:"TUNNELD_INTERFACE,default=tunneld0"`
	LocalAddress  string `env:"TUNNELD_LOCAL_ADDRESS,default=10.64.0.2/32"`
	UAPIConfig    string `env:"TUNNELD_UAPI_CONFIG,default="`
}

// LoadEnv processes the environment into an Env, applying the field
// defaults above wherever a variable is unset.
func LoadEnv(ctx context.Context) (Env, error) {
	var env Env
	err := envconfig.Process(ctx, &env)
	return env, err
}
