package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/solveshq/solves/v1/app"
	"github.com/solveshq/solves/v1/mcptools"
)

func newMCPCommand(g *globals) *cobra.Command {
	var transport, addr string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the admin MCP tool server",
		Long: `mcp serves the user management tools over the Model Context Protocol.

The stdio transport trusts its caller. The http transport requires a bearer
JWT of an admin account, issued by POST /api/auth/token.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if transport != "" {
				g.cfg.MCP.Transport = transport
			}
			if addr != "" {
				g.cfg.MCP.Addr = addr
			}
			if err := g.cfg.Validate(); err != nil {
				return err
			}
			return runMCP(cmd.Context(), g)
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "stdio or http, overrides mcp.transport")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address of the http transport, overrides mcp.addr")
	return cmd
}

func runMCP(ctx context.Context, g *globals) error {
	return withApp(ctx, g, func(ctx context.Context, a *app.App) error {
		s := a.MCPServer()
		switch g.cfg.MCP.Transport {
		case "http":
			mux := http.NewServeMux()
			mux.Handle(mcptools.EndpointPath, mcptools.HTTPHandler(s, a.Services.Auth))
			return serveAll(ctx, g.log, g.cfg.Server.ShutdownTimeout.Duration, newServer(g.cfg.MCP.Addr, mux))
		case "stdio":
			g.log.Info("serving MCP on stdio")
			return mcptools.ServeStdio(ctx, s, os.Stdin, os.Stdout)
		default:
			return fmt.Errorf("unknown MCP transport %q", g.cfg.MCP.Transport)
		}
	})
}
