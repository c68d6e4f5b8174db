package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/BearBump/ShipBox/config"
	"github.com/pkg/errors"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}

	warmUpRedis(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := RunSLAWorker(ctx, cfg, defaultWorkerFactories()); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
