package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/pulseone/engine/internal/core"
)

func main() {
	cfgFile := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	rt, err := core.NewRuntime(*cfgFile)
	if err != nil {
		log.Fatal().Err(err).Msg("init runtime")
	}

	ctx, cancel := context.WithCancel(context.Background())

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("收到退出信号")
		cancel()
	}()

	if err := rt.Run(ctx); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("run runtime")
	}
}
