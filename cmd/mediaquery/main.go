// Command mediaquery asks hosted vision models questions about local images
// and videos, one file at a time or as a batch over a directory.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/mediaquery/internal/auth"
	"github.com/fpang/mediaquery/internal/awsboot"
	"github.com/fpang/mediaquery/internal/config"
	"github.com/fpang/mediaquery/internal/logging"
	"github.com/fpang/mediaquery/internal/provider"
)

// Global flags
var (
	configFlag   string
	providerFlag string
	questionFlag string
	jsonFlag     bool
)

// rootCmd is the main Cobra command for the mediaquery CLI.
var rootCmd = &cobra.Command{
	Use:   "mediaquery",
	Short: "Ask AI vision providers questions about images and videos",
	Long: `mediaquery sends an image or video plus a question to one of several hosted
vision providers (Gemini, OpenAI-compatible, DashScope/Qwen, Bedrock, Moondream)
and prints the answer.

Requests to the same provider class are spaced out, rate-limit and network
failures are retried with backoff, and videos above a provider's size limit
are compressed with ffmpeg through progressively smaller quality tiers.

Providers are configured in ~/.mediaquery/config.yaml (or --config). API keys
come from the config file, <NAME>_API_KEY / <KIND>_API_KEY, AWS SSM Parameter
Store or ~/.mediaquery/<name>.gpg.

Examples:
  mediaquery query photo.jpg -q "Which city is this?"
  mediaquery query clip.mp4 -q "What happens in this video?" -p qwen
  mediaquery batch -d ./trip -q "Describe the scene" --group-by dir --output results.jsonl
  mediaquery batch -q "Is there a dog?" --interactive   # pick a folder, control with p/r/s/q
  mediaquery providers
  mediaquery check --probe`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default ~/.mediaquery/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&providerFlag, "provider", "p", "", "Provider name (default from config or "+config.EnvProvider+")")
}

func main() {
	// Ctrl-C cancels the in-flight request; a batch records the rest as cancelled.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// loadRawConfig reads the config without resolving keys.
func loadRawConfig() (*config.Config, error) {
	return config.Load(configFlag)
}

// loadConfig reads the config and resolves API keys. AWS is optional: when
// no credentials are available SSM lookups and Bedrock are disabled.
func loadConfig(ctx context.Context) (*config.Config, provider.Deps) {
	cfg, err := loadRawConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	var deps provider.Deps
	var ssmClient auth.ParameterGetter
	if clients, err := awsboot.LoadAWS(ctx); err == nil {
		deps.AWSConfig = &clients.Config
		ssmClient = clients.SSM
	} else {
		log.Debug().Err(err).Msg("AWS config unavailable, SSM and Bedrock disabled")
	}

	cfg.ResolveKeys(ctx, cfg.Resolver(ssmClient))
	return cfg, deps
}

// mustRuntime builds the full query pipeline or exits.
func mustRuntime(ctx context.Context) *config.Runtime {
	cfg, deps := loadConfig(ctx)
	rt, err := cfg.Build(ctx, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize providers")
	}
	return rt
}
