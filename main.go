package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/shamak1/azure-mfa-auth/cmd"
	"github.com/shamak1/azure-mfa-auth/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	observability.Sync()
	if err != nil {
		os.Exit(1)
	}
}
