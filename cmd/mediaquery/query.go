package main

import (
	"encoding/json"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/mediaquery/internal/cli"
	"github.com/fpang/mediaquery/internal/media"
	"github.com/fpang/mediaquery/internal/query"
)

var queryCmd = &cobra.Command{
	Use:   "query <file>",
	Short: "Ask a question about one image or video",
	Args:  cobra.ExactArgs(1),
	Run:   runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&questionFlag, "question", "q", "", "Question to ask about the media")
	queryCmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the result as JSON")
	queryCmd.MarkFlagRequired("question")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	item, err := media.NewFileItem(args[0])
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid media file")
	}

	rt := mustRuntime(ctx)
	res := rt.Service.SubmitQuery(ctx, query.Request{
		Item:     item,
		Question: questionFlag,
		Provider: providerFlag,
	})

	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(res)
	} else {
		cli.PrintResult(os.Stdout, res)
	}
	if !res.OK() {
		os.Exit(1)
	}
}
