// Package main implements the batch Lambda: it lists media under an S3
// prefix, asks the same question about every object, records each result
// in DynamoDB as it completes and uploads a zstd-compressed JSONL archive of
// all results when the batch ends.
//
// Invoked directly (RequestResponse) or asynchronously (Event) with a
// BatchEvent payload.
//
// Container: Full (ffmpeg bundled for video compression)
// Memory: 3 GB
// Timeout: 15 minutes
package main

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/rs/zerolog/log"

	"github.com/fpang/mediaquery/internal/awsboot"
	"github.com/fpang/mediaquery/internal/config"
	"github.com/fpang/mediaquery/internal/logging"
	"github.com/fpang/mediaquery/internal/provider"
)

var coldStart = true

var batchWorker *worker

func init() {
	initStart := time.Now()
	logging.Init()
	ctx := context.Background()

	awsClients := awsboot.InitAWS()
	s3s := awsboot.InitS3(awsClients.Config)
	results := awsboot.InitDynamoOptional(awsClients.Config, awsboot.EnvTable)

	cfg, err := config.Load(os.Getenv("MEDIAQUERY_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	// Lambda keys always come from SSM when not in the environment.
	cfg.Secrets.UseSSM = true
	resolver := cfg.Resolver(awsClients.SSM)
	cfg.ResolveKeys(ctx, resolver)

	rt, err := cfg.Build(ctx, provider.Deps{AWSConfig: &awsClients.Config})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize providers")
	}

	batchWorker = &worker{
		s3:            s3s.Client,
		presigner:     s3s.Presigner,
		archiveBucket: os.Getenv(awsboot.EnvBucket),
		query:         rt.Service,
		registry:      rt.Registry,
		deadlineSlack: defaultDeadlineSlack,
	}
	if results != nil {
		batchWorker.results = results
	}

	startup := awsboot.StartupLog("batch-lambda", initStart).
		CommitHash(os.Getenv("COMMIT_HASH")).
		S3Bucket("archive", batchWorker.archiveBucket).
		SSMParam("apiKeys", resolver.SSMParamName("<provider>")).
		Feature("resultStore", results != nil).
		Feature("hardwareEncoding", rt.Transcoder.Hardware()).
		Config("defaultProvider", rt.Registry.Default())
	if results != nil {
		startup = startup.DynamoTable("results", results.TableName())
	}
	for _, name := range rt.Registry.Names() {
		p, _, _ := rt.Registry.Get(name)
		startup = startup.Provider(name, p.Class())
	}
	startup.Log()
}

func main() {
	lambda.Start(handler)
}

func handler(ctx context.Context, event BatchEvent) (BatchResponse, error) {
	if coldStart {
		coldStart = false
		log.Info().Str("function", "batch-lambda").Msg("Cold start, first invocation")
	}
	log.Info().
		Str("bucket", event.Bucket).
		Str("prefix", event.Prefix).
		Str("provider", event.Provider).
		Str("groupBy", event.GroupBy).
		Msg("Batch Lambda invoked")

	return batchWorker.run(ctx, event)
}
