package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/mediaquery/internal/batch"
	"github.com/fpang/mediaquery/internal/cli"
	"github.com/fpang/mediaquery/internal/media"
	"github.com/fpang/mediaquery/internal/provider"
	"github.com/fpang/mediaquery/internal/query"
	"github.com/fpang/mediaquery/internal/store"
)

// Batch flags
var (
	directoryFlag   string
	maxDepthFlag    int
	limitFlag       int
	groupByFlag     string
	outputFlag      string
	interactiveFlag bool
	imagesOnlyFlag  bool
	videosOnlyFlag  bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Ask the same question about every image and video in a directory",
	Long: `Scans a directory (recursively by default) and queries each media file in
turn. Files can be grouped (by directory or by one path segment) so related
media is processed together.

With --output, each result is appended to a JSONL file as soon as it is
available, so lines follow processing order; the "index" field holds the
file's position in scan order. A path ending in .zst is written once at the
end as a zstd-compressed archive in scan order.

With --interactive, type p (pause), r (resume), s (status) or q (abort)
followed by Enter while the batch runs.`,
	Run: runBatch,
}

func init() {
	batchCmd.Flags().StringVarP(&directoryFlag, "directory", "d", "", "Directory containing media (default: folder picker or prompt)")
	batchCmd.Flags().IntVar(&maxDepthFlag, "max-depth", 0, "Maximum recursion depth (0 = unlimited)")
	batchCmd.Flags().IntVar(&limitFlag, "limit", 0, "Maximum media items to process (0 = unlimited)")
	batchCmd.Flags().StringVarP(&questionFlag, "question", "q", "", "Question to ask about each item")
	batchCmd.Flags().StringVar(&groupByFlag, "group-by", "none", "Grouping: none, dir or segment:N")
	batchCmd.Flags().StringVarP(&outputFlag, "output", "o", "", "Write results to a JSONL file (.jsonl or .jsonl.zst)")
	batchCmd.Flags().BoolVarP(&interactiveFlag, "interactive", "i", false, "Read pause/resume/status/abort commands from stdin")
	batchCmd.Flags().BoolVar(&imagesOnlyFlag, "images-only", false, "Only process images")
	batchCmd.Flags().BoolVar(&videosOnlyFlag, "videos-only", false, "Only process videos")
	batchCmd.MarkFlagRequired("question")
	batchCmd.MarkFlagsMutuallyExclusive("images-only", "videos-only")
	rootCmd.AddCommand(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	groupKey, err := batch.ParseGroupBy(groupByFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid --group-by")
	}

	dirPath := directoryFlag
	if dirPath == "" {
		dirPath = cli.PickDirectory()
		if dirPath == "" {
			log.Fatal().Msg("No directory selected")
		}
	}
	dirPath, err = cli.ResolveDirectory(dirPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid directory")
	}

	opts := media.ScanOptions{MaxDepth: maxDepthFlag, Limit: limitFlag}
	switch {
	case imagesOnlyFlag:
		opts.Kinds = []media.Kind{media.KindImage}
	case videosOnlyFlag:
		opts.Kinds = []media.Kind{media.KindVideo}
	}
	items, err := media.ScanDirectory(dirPath, opts)
	if err != nil {
		log.Fatal().Err(err).Str("path", dirPath).Msg("Failed to scan directory")
	}
	if len(items) == 0 {
		log.Fatal().Str("path", dirPath).Msg("No supported media found in directory")
	}
	relativeIDs(dirPath, items)

	rt := mustRuntime(ctx)

	sink, closeOutput := openOutput(outputFlag)
	defer closeOutput()

	fmt.Println()
	fmt.Println("============================================")
	fmt.Println("Media Query Batch")
	fmt.Println("============================================")
	fmt.Printf("Directory: %s\n", dirPath)
	fmt.Printf("Items: %d\n", len(items))
	fmt.Printf("Provider: %s\n", providerOrDefault(rt.Registry.Default()))
	fmt.Printf("Question: %s\n", questionFlag)
	fmt.Println("--------------------------------------------")

	orch := batch.New(batch.ProcessorFunc(func(ctx context.Context, item media.Item, q string) provider.QueryResult {
		return rt.Service.SubmitQuery(ctx, query.Request{Item: item, Question: q, Provider: providerFlag})
	}))

	var controls sync.WaitGroup
	ctrlCtx, stopControls := context.WithCancel(ctx)
	if interactiveFlag {
		controls.Add(1)
		go func() {
			defer controls.Done()
			cli.RunControls(ctrlCtx, os.Stdin, os.Stdout, orch)
		}()
	}

	start := time.Now()
	results, err := orch.Start(ctx, items, groupKey, questionFlag, func(i int, res provider.QueryResult) {
		cli.PrintResult(os.Stdout, res)
		sink(i, res)
	})
	stopControls()
	controls.Wait()

	if err != nil {
		log.Warn().Err(err).Msg("Batch ended early")
	}
	cli.PrintSummary(os.Stdout, results, time.Since(start))
	if outputFlag != "" && strings.HasSuffix(outputFlag, ".zst") {
		writeArchive(outputFlag, results)
	}
}

func providerOrDefault(def string) string {
	if providerFlag != "" {
		return providerFlag
	}
	return def
}

// relativeIDs rewrites absolute scan paths to paths under dir so grouping
// and output are independent of where the directory lives.
func relativeIDs(dir string, items []media.Item) {
	for i := range items {
		if rel, err := filepath.Rel(dir, items[i].ID); err == nil {
			items[i].ID = filepath.ToSlash(rel)
		}
	}
}

// openOutput returns a sink that appends each result to a JSONL file. Paths
// ending in .zst are written by writeArchive instead.
func openOutput(path string) (batch.Sink, func()) {
	noop := func(int, provider.QueryResult) {}
	if path == "" || strings.HasSuffix(path, ".zst") {
		return noop, func() {}
	}
	f, err := os.Create(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("Failed to create output file")
	}
	sink := func(i int, res provider.QueryResult) {
		if err := store.WriteJSONL(f, []store.Result{store.FromQueryResult(i, res)}); err != nil {
			log.Error().Err(err).Str("path", path).Msg("Failed to write result")
		}
	}
	return sink, func() {
		if err := f.Close(); err != nil {
			log.Error().Err(err).Str("path", path).Msg("Failed to close output file")
			return
		}
		log.Info().Str("path", path).Msg("Results written")
	}
}

func writeArchive(path string, results []provider.QueryResult) {
	stored := make([]store.Result, len(results))
	for i, r := range results {
		stored[i] = store.FromQueryResult(i, r)
	}
	f, err := os.Create(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to create archive")
		return
	}
	defer f.Close()
	if err := store.WriteArchive(f, stored); err != nil {
		log.Error().Err(err).Str("path", path).Msg("Failed to write archive")
		return
	}
	log.Info().Str("path", path).Int("results", len(stored)).Msg("Result archive written")
}
