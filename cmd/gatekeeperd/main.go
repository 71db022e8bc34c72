// Command gatekeeperd serves the authentication and request admission API
// over HTTP.
//
// Configuration is a TOML file layered over built-in defaults. Secrets come
// from the environment: GATEKEEPER_SIGNING_KEY, GATEKEEPER_VERIFY_KEY (or
// their _FILE variants, PEM or raw), GATEKEEPER_REDIS_PASSWORD,
// GATEKEEPER_DB_DSN and GATEKEEPER_BOOTSTRAP_PASSWORD. Edits to the
// [engine.rate_limit] section of the file apply without a restart.
//
// Run locally without Redis or keys:
//
//	gatekeeperd -redis=memory -dev
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/MrEthical07/gatekeeper/internal/logx"
)

var version = "dev"

func main() {
	var (
		configPath = flag.String("config", "", "path to the TOML config file")
		redisAddr  = flag.String("redis", "", `redis address list, or "memory" for an embedded server`)
		addr       = flag.String("addr", "", "listen address, overrides the config file")
		dev        = flag.Bool("dev", false, "allow ephemeral keys and plain HTTP cookies")
	)
	flag.Parse()

	if err := run(*configPath, *redisAddr, *addr, *dev); err != nil {
		fmt.Fprintln(os.Stderr, "gatekeeperd:", err)
		os.Exit(1)
	}
}

func run(configPath, redisAddr, addr string, dev bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if redisAddr != "" {
		cfg.Redis.Addrs = splitList(redisAddr)
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if dev {
		cfg.Dev = true
		cfg.Server.SecureCookies = false
	}

	logger := logx.New(logx.Config{
		Service: "gatekeeperd",
		Version: version,
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(ctx, cfg, configPath, logger)
	if err != nil {
		return err
	}
	return app.Run(ctx)
}
