package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/peergramming/peer-testing/cmd/api/cmds"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmds.Execute(ctx); err != nil {
		os.Exit(1)
	}
}
