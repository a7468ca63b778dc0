// Package awsboot holds the AWS cold-start bootstrap shared by the batch
// Lambda and the CLIs: SDK config, S3 and DynamoDB clients, and the
// startup summary log.
package awsboot

import (
	"context"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/rs/zerolog/log"

	"github.com/fpang/mediaquery/internal/logging"
	"github.com/fpang/mediaquery/internal/store"
)

// Environment variables read during bootstrap.
const (
	EnvTable  = "RESULTS_TABLE_NAME"
	EnvBucket = "RESULTS_BUCKET"
)

// AWSClients holds the SDK config and the SSM client used for secrets.
type AWSClients struct {
	Config aws.Config
	SSM    *ssm.Client
}

// S3Clients holds the S3 client and presigner.
type S3Clients struct {
	Client    *s3.Client
	Presigner *s3.PresignClient
}

// LoadAWS loads the default AWS config. CLIs use it to enable SSM and
// Bedrock when credentials are available.
func LoadAWS(ctx context.Context) (AWSClients, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return AWSClients{}, err
	}
	log.Debug().Str("region", cfg.Region).Msg("AWS config loaded")
	return AWSClients{Config: cfg, SSM: ssm.NewFromConfig(cfg)}, nil
}

// InitAWS is LoadAWS for Lambda init, where failure is fatal.
func InitAWS() AWSClients {
	clients, err := LoadAWS(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load AWS config")
	}
	return clients
}

// InitS3 creates an S3 client and presigner.
func InitS3(cfg aws.Config) S3Clients {
	client := s3.NewFromConfig(cfg)
	return S3Clients{
		Client:    client,
		Presigner: s3.NewPresignClient(client),
	}
}

// InitDynamoOptional creates a results store if the table env var is set.
// Returns nil (with a warning) if not configured.
func InitDynamoOptional(cfg aws.Config, tableEnvVar string) *store.DynamoStore {
	tableName := os.Getenv(tableEnvVar)
	if tableName == "" {
		log.Warn().Str("envVar", tableEnvVar).Msg("DynamoDB table not set, result store disabled")
		return nil
	}
	return store.NewDynamoStore(dynamodb.NewFromConfig(cfg), tableName)
}

// StartupLog is a convenience wrapper for the startup logger.
func StartupLog(name string, initStart time.Time) *logging.StartupLogger {
	return logging.NewStartupLogger(name).InitDuration(time.Since(initStart))
}
