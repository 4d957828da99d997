package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/guseggert/appdriver/app"
	"github.com/guseggert/appdriver/config"
	"github.com/guseggert/appdriver/coordinator"
	"github.com/guseggert/appdriver/protocol"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	bundleFlag = &cli.StringFlag{
		Name:  "bundle",
		Usage: "Bundle ID of the application. Defaults to the configured target.",
	}
)

func main() {
	a := &cli.App{
		Name:  "driver",
		Usage: "launches target applications and runs blocks in them",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the TOML config file.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Overrides log_level from the config. One of [debug,info,warn,error].",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "Overrides listen_addr from the config.",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "exec",
				Usage: "launch the application and run one block",
				Flags: []cli.Flag{
					bundleFlag,
					&cli.StringFlag{Name: "file", Usage: "File path of the block.", Required: true},
					&cli.Int64Flag{Name: "offset", Usage: "File offset of the block.", Required: true},
				},
				Action: func(c *cli.Context) error {
					ref := protocol.BlockRef{FilePath: c.String("file"), FileOffset: c.Int64("offset")}
					return withApplication(c, func(ctx context.Context, a *app.Application) error {
						err := a.ExecuteSync(ctx, ref)
						return report(ref.String(), err)
					})
				},
			},
			{
				Name:  "cleanup",
				Usage: "launch the application and run its cleanup hooks",
				Flags: []cli.Flag{bundleFlag},
				Action: func(c *cli.Context) error {
					return withApplication(c, func(ctx context.Context, a *app.Application) error {
						return report("cleanup", a.PerformCleanUp(ctx))
					})
				},
			},
			{
				Name:  "health",
				Usage: "launch the application and check that it answers a heartbeat",
				Flags: []cli.Flag{bundleFlag},
				Action: func(c *cli.Context) error {
					return withApplication(c, func(ctx context.Context, a *app.Application) error {
						if !a.IsHealthy(ctx) {
							return cli.Exit(fmt.Sprintf("%s is not healthy", a.BundleID()), 1)
						}
						fmt.Printf("%s is healthy\n", a.BundleID())
						return nil
					})
				},
			},
		},
	}
	if err := a.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("listen-addr") {
		cfg.ListenAddr = c.String("listen-addr")
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

// withApplication launches the selected application, runs f, and terminates it.
func withApplication(c *cli.Context, f func(ctx context.Context, a *app.Application) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg, err := app.NewRegistry(cfg, app.WithLogger(logger), app.WithOutput(os.Stderr))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt)
	defer stop()
	defer reg.Close(context.Background())

	a := reg.TargetApplication()
	if id := c.String("bundle"); id != "" {
		a = reg.ApplicationWithBundleID(id)
	}
	if err := a.Launch(ctx); err != nil {
		return err
	}
	return f(ctx, a)
}

// report prints the outcome of an operation and turns failures inside the target into a
// non-zero exit.
func report(what string, err error) error {
	var execErr *coordinator.ExecutionError
	var exc *coordinator.ExecutionException
	switch {
	case err == nil:
		fmt.Printf("%s: ok\n", what)
		return nil
	case errors.As(err, &execErr):
		return cli.Exit(fmt.Sprintf("%s: assertion failed at %s:%d: %s", what, execErr.FileName, execErr.LineNumber, execErr.Description), 1)
	case errors.As(err, &exc):
		return cli.Exit(fmt.Sprintf("%s: exception: %s", what, exc.Description), 1)
	}
	return err
}
