// Command kadnode is the process entrypoint (§4.P): it parses flags,
// loads configuration, wires the node-scoped context, starts the node
// supervisor and (when metrics_addr is set) the metrics HTTP server, then
// runs the operator console
// on stdin/stdout until EOF or quit/exit, shutting the node down on
// SIGINT/SIGTERM or console exit.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"

	"github.com/harrowgate/kadnet/internal/config"
	"github.com/harrowgate/kadnet/internal/console"
	"github.com/harrowgate/kadnet/internal/key"
	"github.com/harrowgate/kadnet/internal/metrics"
	"github.com/harrowgate/kadnet/internal/node"
	"github.com/harrowgate/kadnet/internal/nodectx"
)

func main() {
	app := &cli.App{
		Name:  "kadnode",
		Usage: "a Kademlia-style DHT peer",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a YAML/TOML config file"},
			&cli.StringFlag{Name: "key", Usage: "64-char hex node key (default: random)"},
			&cli.StringFlag{Name: "listen-addr"},
			&cli.StringSliceFlag{Name: "bootstrap", Usage: "seed address, repeatable"},
			&cli.IntFlag{Name: "k"},
			&cli.IntFlag{Name: "alpha"},
			&cli.IntFlag{Name: "store-size"},
			&cli.DurationFlag{Name: "max-age"},
			&cli.IntFlag{Name: "max-connections"},
			&cli.IntFlag{Name: "req-buffer"},
			&cli.DurationFlag{Name: "refresh-interval"},
			&cli.IntFlag{Name: "handler-concurrency"},
			&cli.DurationFlag{Name: "dial-timeout"},
			&cli.DurationFlag{Name: "rpc-timeout"},
			&cli.StringFlag{Name: "metrics-addr"},
			&cli.StringFlag{Name: "log-level"},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "kadnode:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	v, err := config.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("kadnode: loading config: %w", err)
	}
	applyFlagOverrides(c, v)
	cfg := config.Materialize(v)

	owner, err := resolveOwner(cfg.KeyHex)
	if err != nil {
		return fmt.Errorf("kadnode: resolving node key: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("kadnode: parsing log_level %q: %w", cfg.LogLevel, err)
	}
	root := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	reg := metrics.New()
	nctx := nodectx.New(owner, cfg, root, reg)
	n := node.New(nctx)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := n.Start(ctx, cfg.Bootstrap); err != nil {
		return fmt.Errorf("kadnode: starting node: %w", err)
	}
	defer n.Stop()

	if cfg.MetricsAddr != "" {
		go serveMetrics(nctx.Component("metrics"), cfg.MetricsAddr, reg)
	}

	consoleHost, consolePort := nextConsolePort(cfg.ListenAddr)
	term := console.New(os.Stdout, nctx.Component("console"), consoleHost, consolePort)
	term.Adopt(n, nctx)

	root.Info().Str("addr", cfg.ListenAddr).Str("key", owner.String()[:16]).Msg("kadnode ready")
	fmt.Fprintf(os.Stdout, "node up: key=%s addr=%s\n", owner.String()[:16], cfg.ListenAddr)

	if err := term.Run(ctx, os.Stdin); err != nil {
		root.Warn().Err(err).Msg("console exited with error")
	}
	return nil
}

// applyFlagOverrides layers explicitly-set CLI flags over viper's existing
// defaults/file/environment resolution, giving flags the highest
// precedence named in §4.M.
func applyFlagOverrides(c *cli.Context, v *viper.Viper) {
	setString := func(flag, key string) {
		if c.IsSet(flag) {
			v.Set(key, c.String(flag))
		}
	}
	setInt := func(flag, key string) {
		if c.IsSet(flag) {
			v.Set(key, c.Int(flag))
		}
	}
	setDuration := func(flag, key string) {
		if c.IsSet(flag) {
			v.Set(key, c.Duration(flag))
		}
	}

	setString("key", "key_hex")
	setString("listen-addr", "listen_addr")
	setInt("k", "k")
	setInt("alpha", "alpha")
	setInt("store-size", "store_size")
	setDuration("max-age", "max_age")
	setInt("max-connections", "max_connections")
	setInt("req-buffer", "req_buffer")
	setDuration("refresh-interval", "refresh_interval")
	setInt("handler-concurrency", "handler_concurrency")
	setDuration("dial-timeout", "dial_timeout")
	setDuration("rpc-timeout", "rpc_timeout")
	setString("metrics-addr", "metrics_addr")
	setString("log-level", "log_level")

	if c.IsSet("bootstrap") {
		v.Set("bootstrap", c.StringSlice("bootstrap"))
	}
}

// nextConsolePort picks where the console's own "node start" should bind
// additional in-process nodes, one above the primary node's port.
func nextConsolePort(listenAddr string) (string, int) {
	host, portStr, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return "127.0.0.1", 9100
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 9100
	}
	return host, port + 1
}

func resolveOwner(keyHex string) (key.Key, error) {
	if keyHex == "" {
		return key.Random()
	}
	return key.ParseHex(keyHex)
}

func serveMetrics(logger zerolog.Logger, addr string, reg *metrics.Registry) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(reg.Collectors()...)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Msg("metrics server stopped")
	}
}
