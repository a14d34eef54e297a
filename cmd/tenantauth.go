package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stephnangue/tenantauth/cmd/server"
)

var tenantauthCmd = &cobra.Command{
	Use:   "tenantauth",
	Short: "tenantauth manages tenants and resolves their credentials",
	Long: `tenantauth registers tenants in a hierarchy, activates them in an external
identity provider and turns bearer tokens into per-request credential claims.`,
	SilenceUsage: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := tenantauthCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	tenantauthCmd.AddCommand(server.ServerCmd)
}
