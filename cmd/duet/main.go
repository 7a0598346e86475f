package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dkeye/duet/cmd/duet/internal/cli"
)

func NewDuetCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "duet",
		Short:   "duet - two-party chat and calls",
		Example: "duet chat alice",
	}
	cli.Register(cmd)
	return cmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	err := NewDuetCommand().ExecuteContext(ctx)
	cancel()
	if err != nil {
		os.Exit(1)
	}
}
