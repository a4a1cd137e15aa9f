package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"zkvault/go-backend/internal/app"
	"zkvault/go-backend/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Value:   "",
		Usage:   "path to config.yaml (optional)",
		EnvVars: []string{"ZKVAULT_CONFIG"},
	},
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "",
		Usage: "address to listen on for the API (overrides config)",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: -1,
		Usage: "seconds to report not-ready before shutdown (overrides config)",
	},
}

func loadConfig(cCtx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(cCtx.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if addr := cCtx.String("listen-addr"); addr != "" {
		cfg.HTTP.ListenAddr = addr
	}
	if cCtx.Bool("log-json") {
		cfg.Log.JSON = true
	}
	if cCtx.Bool("log-debug") {
		cfg.Log.Level = "debug"
	}
	if s := cCtx.Int64("drain-seconds"); s >= 0 {
		cfg.HTTP.DrainDuration = time.Duration(s) * time.Second
	}
	return cfg, nil
}

func build(cCtx *cli.Context) (*app.App, error) {
	cfg, err := loadConfig(cCtx)
	if err != nil {
		return nil, err
	}
	logger := app.NewLogger(cfg.Log, os.Stderr)
	if cCtx.Bool("log-uid") {
		logger = logger.With("uid", uuid.NewString())
	}
	logger = logger.With("service", "vaultd", "version", version)
	return app.Build(cfg, logger)
}

func serve(cCtx *cli.Context) error {
	a, err := build(cCtx)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := a.Run(ctx); err != nil {
		a.Logger.Error("server failed", "err", err)
		return err
	}
	return nil
}

func selftest(cCtx *cli.Context) error {
	a, err := build(cCtx)
	if err != nil {
		return err
	}
	defer a.Close()

	report := a.Gateway.SelfTest()
	enc := json.NewEncoder(cCtx.App.Writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	if !report.Healthy {
		return cli.Exit("signature gateway degraded", 1)
	}
	return nil
}

func main() {
	cliApp := &cli.App{
		Name:  "vaultd",
		Usage: "Serve the zero-knowledge vault core",
		Flags: flags,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API until interrupted",
				Action: serve,
			},
			{
				Name:   "selftest",
				Usage:  "probe the signature gateway and print the report",
				Action: selftest,
			},
			{
				Name:  "version",
				Usage: "print version information",
				Action: func(cCtx *cli.Context) error {
					fmt.Fprintf(cCtx.App.Writer, "vaultd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
					return nil
				},
			},
		},
		DefaultCommand: "serve",
	}

	if err := cliApp.RunContext(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
