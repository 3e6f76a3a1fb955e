package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/open-data-works/goldsink/app/merger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app := merger.Initialize(ctx)

	app.Start(ctx)
}
