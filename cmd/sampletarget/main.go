// Command sampletarget is a minimal target application. It connects to the driver named by
// APPDRIVER_DRIVER_ADDR and serves a fixed set of blocks in sampletarget.go:
//
//	offset 1  succeeds
//	offset 2  fails an assertion
//	offset 3  returns an unexpected error
//	offset 4  sleeps for SAMPLETARGET_SLEEP (default 1s)
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/appdriver/launcher"
	"github.com/guseggert/appdriver/protocol"
	"github.com/guseggert/appdriver/target"
	"go.uber.org/zap"
)

const file = "sampletarget.go"

func main() {
	addr := os.Getenv(launcher.EnvDriverAddr)
	if addr == "" {
		log.Fatalf("%s is not set", launcher.EnvDriverAddr)
	}
	bundleID := os.Getenv(launcher.EnvBundleID)
	if bundleID == "" {
		bundleID = "com.example.sampletarget"
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	rt := target.New(bundleID, target.WithLogger(logger))
	register(rt)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rt.DialAndServe(ctx, addr); err != nil {
		logger.Sugar().Fatalf("serving driver: %s", err)
	}
}

func register(rt *target.Runtime) {
	rt.Register(protocol.BlockRef{FilePath: file, FileOffset: 1}, func(ctx context.Context) error {
		return nil
	})
	rt.Register(protocol.BlockRef{FilePath: file, FileOffset: 2}, func(ctx context.Context) error {
		return target.Fail("expected %d, got %d", 1, 2)
	})
	rt.Register(protocol.BlockRef{FilePath: file, FileOffset: 3}, func(ctx context.Context) error {
		return errors.New("unexpected state")
	})
	rt.Register(protocol.BlockRef{FilePath: file, FileOffset: 4}, func(ctx context.Context) error {
		d := time.Second
		if s := os.Getenv("SAMPLETARGET_SLEEP"); s != "" {
			parsed, err := time.ParseDuration(s)
			if err != nil {
				return err
			}
			d = parsed
		}
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	rt.OnCleanUp(func(ctx context.Context) error {
		log.Println("cleaning up")
		return nil
	})
}
