// Command mediaquery-mcp exposes media queries as MCP tools over stdio so
// assistants can ask vision providers about local files.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/mediaquery/internal/auth"
	"github.com/fpang/mediaquery/internal/awsboot"
	"github.com/fpang/mediaquery/internal/config"
	"github.com/fpang/mediaquery/internal/logging"
	"github.com/fpang/mediaquery/internal/provider"
)

const version = "1.0.0"

var configFlag string

var rootCmd = &cobra.Command{
	Use:   "mediaquery-mcp",
	Short: "Serve media queries as MCP tools over stdio",
	Long: `Runs a Model Context Protocol server on stdin/stdout with three tools:
query (ask a question about a local image or video), detect (locate objects
in an image) and providers (list configured providers and capabilities).

Logs go to stderr; stdout carries the protocol.`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	Run:          runServer,
}

func init() {
	rootCmd.Flags().StringVar(&configFlag, "config", "", "Config file (default ~/.mediaquery/config.yaml)")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) {
	logging.Init()
	ctx := cmd.Context()

	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	var deps provider.Deps
	var ssmClient auth.ParameterGetter
	if clients, err := awsboot.LoadAWS(ctx); err == nil {
		deps.AWSConfig = &clients.Config
		ssmClient = clients.SSM
	}
	cfg.ResolveKeys(ctx, cfg.Resolver(ssmClient))

	rt, err := cfg.Build(ctx, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize providers")
	}

	server := mcp.NewServer(&mcp.Implementation{Name: "mediaquery", Version: version}, nil)
	newTools(rt.Service, rt.Registry).register(server)

	log.Info().Strs("providers", rt.Registry.Names()).Msg("MCP server starting on stdio")
	if err := server.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("MCP server stopped")
	}
}
