package main

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"livebot/internal/app"
	logx "livebot/pkg/logx"
)

func main() {
	var (
		cfgPath string
		envFile string
		stopMax time.Duration
	)
	flag.StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")
	flag.StringVar(&envFile, "env-file", ".env", "optional dotenv file with LIVEBOT_* secrets")
	flag.DurationVar(&stopMax, "stop-timeout", 15*time.Second, "upper bound for graceful shutdown")
	flag.Parse()

	boot := logx.NewConsole("info").With(logx.String("comp", "main"))

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		boot.Error("load env file", logx.String("path", envFile), logx.Err(err))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(ctx, cfgPath)
	if err != nil {
		boot.Error("init failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("start failed", logx.Err(err))
		stopCtx, stopCancel := context.WithTimeout(context.Background(), stopMax)
		_ = a.Stop(stopCtx, app.StopFatalError)
		stopCancel()
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopFatalError
	if ctx.Err() != nil {
		reason = app.StopSIGTERM
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopMax)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		boot.Error("exited with error", logx.Err(err))
		os.Exit(1)
	}
}
