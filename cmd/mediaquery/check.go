package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fpang/mediaquery/internal/auth"
	"github.com/fpang/mediaquery/internal/cli"
	"github.com/fpang/mediaquery/internal/provider"
	"github.com/fpang/mediaquery/internal/transcode"
)

var probeFlag bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check ffmpeg, hardware encoding and provider credentials",
	Long: `Reports whether ffmpeg is available (bundled, MEDIAQUERY_FFMPEG or PATH),
whether the NVIDIA hardware encoder works, and which providers have
credentials. With --probe, each ready provider is sent a tiny test image to
confirm the key is accepted.`,
	Args: cobra.NoArgs,
	Run:  runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&probeFlag, "probe", false, "Send a test request to each provider")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	healthy := true

	cfg, deps := loadConfig(ctx)

	fmt.Println("ffmpeg")
	path, err := transcode.ResolveFFmpeg(cfg.Transcode.FFmpeg)
	if err != nil {
		fmt.Printf("   missing: %v\n", err)
		healthy = false
	} else {
		version, verr := transcode.Version(ctx, path)
		if verr != nil {
			version = "unknown version"
		}
		fmt.Printf("   %s (%s)\n", path, version)
		fmt.Printf("   hardware encoder (%s): %s\n", transcode.EncoderNVENC, yesNo(transcode.ProbeHardware(ctx, path)))
	}

	fmt.Println("providers")
	if len(cfg.Providers) == 0 {
		fmt.Println("   none ready (set an API key, see mediaquery --help)")
		os.Exit(1)
	}

	var registry *provider.Registry
	if probeFlag {
		registry, err = provider.NewRegistry(ctx, cfg.Providers, cfg.DefaultProvider, deps)
		if err != nil {
			fmt.Printf("   %v\n", err)
			os.Exit(1)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, c := range cfg.Providers {
		full, err := c.WithDefaults()
		if err != nil {
			continue
		}
		status := "key configured"
		if full.Kind == provider.KindBedrock {
			status = "AWS credentials"
		}
		if registry != nil {
			status = probe(cmd, registry, full.Name)
			if status != "ok" {
				healthy = false
			}
		}
		fmt.Fprintf(w, "   %s\t%s\t%s\n", full.Name, full.Model, status)
	}
	w.Flush()

	if !healthy {
		os.Exit(1)
	}
}

func probe(cmd *cobra.Command, registry *provider.Registry, name string) string {
	p, _, err := registry.Get(name)
	if err != nil {
		return "not constructed: " + err.Error()
	}
	if err := auth.ValidateProvider(cmd.Context(), p); err != nil {
		return cli.ValidationHint(err)
	}
	return "ok"
}
