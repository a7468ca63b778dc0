package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fpang/mediaquery/internal/provider"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List configured providers and their image/video support",
	Args:  cobra.NoArgs,
	Run:   runProviders,
}

func init() {
	rootCmd.AddCommand(providersCmd)
}

func runProviders(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()
	cfg, _ := loadConfig(ctx)
	intervals := cfg.IntervalTable()

	def := cfg.DefaultProvider
	ready := make(map[string]bool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		full, err := p.WithDefaults()
		if err != nil {
			continue
		}
		ready[full.Name] = true
		if def == "" {
			def = full.Name
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tKIND\tMODEL\tIMAGE\tVIDEO\tCLASS\tINTERVAL\tSTATUS")
	for _, p := range allConfigured() {
		full, err := p.WithDefaults()
		if err != nil {
			continue
		}
		caps := full.Capabilities()
		status := "no key"
		if ready[full.Name] {
			status = "ready"
		}
		name := full.Name
		if name == def {
			name += " *"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			name, full.Kind, full.Model, yesNo(caps.SupportsImage), yesNo(caps.SupportsVideo),
			full.Class, intervals[full.Class], status)
	}
	w.Flush()
}

// allConfigured re-reads the provider list before key resolution drops
// entries without credentials.
func allConfigured() []provider.Config {
	cfg, err := loadRawConfig()
	if err != nil {
		return nil
	}
	return cfg.Providers
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
