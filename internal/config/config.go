// Package config loads the node's typed Config (§6) from, in increasing
// order of precedence, built-in defaults, a config file, KADNET_-prefixed
// environment variables and command-line flags — the layering
// cmd/kadnode wires through github.com/spf13/viper.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is every tunable named in §6's table, plus the identity and
// bootstrap settings the process entrypoint needs to start a node.
type Config struct {
	// Identity. KeyHex is optional; an empty value means "generate a
	// random key at startup" (§3's Owner carries no persisted state).
	KeyHex     string
	ListenAddr string
	Bootstrap  []string

	K                  int
	Alpha              int
	StoreSize          int
	MaxAge             time.Duration
	MaxConnections     int
	ReqBuffer          int
	RefreshInterval    time.Duration
	HandlerConcurrency int
	DialTimeout        time.Duration
	RPCTimeout         time.Duration
	MetricsAddr        string
	LogLevel           string
}

// Defaults returns the built-in defaults from §6's table.
func Defaults() Config {
	return Config{
		ListenAddr:         "127.0.0.1:9000",
		K:                  20,
		Alpha:              2,
		StoreSize:          100,
		MaxAge:             24 * time.Hour,
		MaxConnections:     50,
		ReqBuffer:          10,
		RefreshInterval:    10 * time.Minute,
		HandlerConcurrency: 10,
		DialTimeout:        5 * time.Second,
		RPCTimeout:         3 * time.Second,
		MetricsAddr:        "",
		LogLevel:           "info",
	}
}

// bind installs the defaults into v under keys matching Config's field
// names in snake_case (ListenAddr -> listen_addr), the shape every other
// load step overrides.
func bind(v *viper.Viper, d Config) {
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("bootstrap", d.Bootstrap)
	v.SetDefault("key_hex", d.KeyHex)
	v.SetDefault("k", d.K)
	v.SetDefault("alpha", d.Alpha)
	v.SetDefault("store_size", d.StoreSize)
	v.SetDefault("max_age", d.MaxAge)
	v.SetDefault("max_connections", d.MaxConnections)
	v.SetDefault("req_buffer", d.ReqBuffer)
	v.SetDefault("refresh_interval", d.RefreshInterval)
	v.SetDefault("handler_concurrency", d.HandlerConcurrency)
	v.SetDefault("dial_timeout", d.DialTimeout)
	v.SetDefault("rpc_timeout", d.RPCTimeout)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("log_level", d.LogLevel)
}

// Load builds a Viper instance layered defaults -> file -> environment,
// ready for the caller (cmd/kadnode) to bind CLI flags on top with
// BindFlag/Set before calling Materialize. configFile may be empty, in
// which case only defaults and environment apply.
func Load(configFile string) (*viper.Viper, error) {
	v := viper.New()
	bind(v, Defaults())

	v.SetEnvPrefix("kadnet")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}
	return v, nil
}

// Materialize reads every Config field back out of v, after the caller
// has layered CLI flag overrides on top via v.Set.
func Materialize(v *viper.Viper) Config {
	return Config{
		KeyHex:             v.GetString("key_hex"),
		ListenAddr:         v.GetString("listen_addr"),
		Bootstrap:          v.GetStringSlice("bootstrap"),
		K:                  v.GetInt("k"),
		Alpha:              v.GetInt("alpha"),
		StoreSize:          v.GetInt("store_size"),
		MaxAge:             v.GetDuration("max_age"),
		MaxConnections:     v.GetInt("max_connections"),
		ReqBuffer:          v.GetInt("req_buffer"),
		RefreshInterval:    v.GetDuration("refresh_interval"),
		HandlerConcurrency: v.GetInt("handler_concurrency"),
		DialTimeout:        v.GetDuration("dial_timeout"),
		RPCTimeout:         v.GetDuration("rpc_timeout"),
		MetricsAddr:        v.GetString("metrics_addr"),
		LogLevel:           v.GetString("log_level"),
	}
}
