package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/mediaquery/internal/cli"
	"github.com/fpang/mediaquery/internal/media"
)

var objectFlag string

var detectCmd = &cobra.Command{
	Use:   "detect <image>",
	Short: "Locate objects in an image (providers with detection support)",
	Args:  cobra.ExactArgs(1),
	Run:   runDetect,
}

func init() {
	detectCmd.Flags().StringVarP(&objectFlag, "object", "o", "", "Object to locate, e.g. \"face\"")
	detectCmd.MarkFlagRequired("object")
	rootCmd.AddCommand(detectCmd)
}

func runDetect(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	item, err := media.NewFileItem(args[0])
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid media file")
	}

	rt := mustRuntime(ctx)
	res := rt.Service.Detect(ctx, item, objectFlag, providerFlag)
	cli.PrintResult(os.Stdout, res.QueryResult)
	for i, b := range res.Objects {
		fmt.Printf("   #%d  x=[%.3f, %.3f]  y=[%.3f, %.3f]\n", i+1, b.XMin, b.XMax, b.YMin, b.YMax)
	}
	if !res.OK() {
		os.Exit(1)
	}
}
