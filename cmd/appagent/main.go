package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/guseggert/appdriver/agent"
	"github.com/guseggert/appdriver/config"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "appagent",
		Usage: "hosts target applications for a remote driver",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take on a heartbeat failure. One of [terminate,exit,none].",
				Value: "terminate",
			},
			&cli.StringFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a heartbeat before acting.",
				Value: "1m",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "0.0.0.0:8080",
			},
			&cli.StringFlag{
				Name:     "config",
				Usage:    "TOML file whose [[apps]] entries declare the applications this agent may launch.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: func(ctx *cli.Context) error {
			onHeartbeatFailure := ctx.String("on-heartbeat-failure")
			heartbeatTimeoutStr := ctx.String("heartbeat-timeout")

			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			cfg, err := config.Load(ctx.String("config"))
			if err != nil {
				return err
			}
			var apps []agent.AppCommand
			for _, a := range cfg.Apps {
				if a.Launcher != config.LauncherLocal {
					return fmt.Errorf("app %q: the agent launches local processes only, not %q", a.BundleID, a.Launcher)
				}
				apps = append(apps, agent.AppCommand{
					BundleID: a.BundleID,
					Command:  a.Command,
					Args:     a.Args,
					Env:      a.Env,
					WD:       a.WD,
				})
			}

			heartbeatTimeout, err := time.ParseDuration(heartbeatTimeoutStr)
			if err != nil {
				return fmt.Errorf("parsing heartbeat timeout: %w", err)
			}

			opts := []agent.Option{
				agent.WithLogger(logger),
				agent.WithLogLevel(level),
				agent.WithHeartbeatTimeout(heartbeatTimeout),
				agent.WithListenAddr(ctx.String("listen-addr")),
				agent.WithApps(apps...),
				agent.WithAppOutput(os.Stderr),
			}
			switch onHeartbeatFailure {
			case "terminate":
				// the default
			case "exit":
				opts = append(opts, agent.WithHeartbeatFailureHandler(agent.HeartbeatFailureExit))
			case "none":
				opts = append(opts, agent.WithHeartbeatFailureHandler(nil))
			default:
				return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
			}

			a, err := agent.NewAppAgent(opts...)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			err = a.Run()
			if err != nil {
				if err != http.ErrServerClosed {
					return err
				}
			}

			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
