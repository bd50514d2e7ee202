package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stagehand/internal/app"
)

func main() {
	var (
		cfgPath     string
		pipelines   string
		refreshSecs int
		logLevel    string
	)
	flag.StringVar(&cfgPath, "config", "", "path to config file (json or yaml); optional")
	flag.StringVar(&pipelines, "pipelines", "", "folder scanned for pipeline subfolders")
	flag.IntVar(&refreshSecs, "refresh", 0, "poll interval in seconds (default 60)")
	flag.StringVar(&logLevel, "log", "", "log level (trace, debug, info, warn, error)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(app.Options{
		ConfigPath:    cfgPath,
		PipelinesRoot: pipelines,
		Refresh:       time.Duration(refreshSecs) * time.Second,
		LogLevel:      logLevel,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
}
