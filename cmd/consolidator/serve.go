package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/config"
	"github.com/ZanzyTHEbar/consolidator-libsql-go/internal/server"
)

var serveFlags struct {
	transport string
	addr      string
	endpoint  string
	opsAddr   string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the MCP tools and the HTTP operations API",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.transport, "transport", "", "MCP transport: stdio or sse")
	f.StringVar(&serveFlags.addr, "addr", "", "Listen address for the SSE transport")
	f.StringVar(&serveFlags.endpoint, "sse-endpoint", "", "SSE endpoint path")
	f.StringVar(&serveFlags.opsAddr, "ops-addr", "", "Listen address for the ops API (empty disables it)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx, func(cfg *config.Config) {
		f := cmd.Flags()
		if f.Changed("transport") {
			cfg.Server.Transport = serveFlags.transport
		}
		if f.Changed("addr") {
			cfg.Server.Addr = serveFlags.addr
		}
		if f.Changed("sse-endpoint") {
			cfg.Server.Endpoint = serveFlags.endpoint
		}
		if f.Changed("ops-addr") {
			cfg.Server.OpsAddr = serveFlags.opsAddr
		}
	})
	if err != nil {
		return err
	}
	defer a.Close()

	mcpServer := server.NewMCPServer(a.svc, a.logger)
	g, ctx := errgroup.WithContext(ctx)
	switch a.cfg.Server.Transport {
	case "stdio":
		g.Go(func() error { return mcpServer.Run(ctx) })
	case "sse":
		g.Go(func() error { return mcpServer.RunSSE(ctx, a.cfg.Server.Addr, a.cfg.Server.Endpoint) })
	default:
		return fmt.Errorf("unknown transport: %s (expected: stdio or sse)", a.cfg.Server.Transport)
	}
	if a.cfg.Server.OpsAddr != "" {
		g.Go(func() error { return server.RunOps(ctx, a.cfg.Server.OpsAddr, a.svc, a.logger) })
	}
	a.logger.Info("consolidator server starting", "transport", a.cfg.Server.Transport, "ops_addr", a.cfg.Server.OpsAddr)
	err = g.Wait()
	a.logger.Info("server stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
