package s3util

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/fpang/mediaquery/internal/store"
)

// projectTag is the URL-encoded object tagging string for cost allocation.
const projectTag = "Project=mediaquery"

// ArchiveKey returns the key of a batch's result archive.
func ArchiveKey(prefix, batchID string) string {
	if prefix != "" && prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return prefix + "results/" + batchID + ".jsonl.zst"
}

// UploadResultsArchive uploads results as zstd-compressed JSONL and returns
// the compressed size.
func UploadResultsArchive(ctx context.Context, client API, bucket, key string, results []store.Result) (int64, error) {
	var buf bytes.Buffer
	if err := store.WriteArchive(&buf, results); err != nil {
		return 0, fmt.Errorf("build archive: %w", err)
	}
	size := int64(buf.Len())

	_, err := client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          &bucket,
		Key:             &key,
		Body:            bytes.NewReader(buf.Bytes()),
		ContentLength:   aws.Int64(size),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("zstd"),
		Tagging:         aws.String(projectTag),
	})
	if err != nil {
		return 0, fmt.Errorf("S3 PutObject %s: %w", key, err)
	}

	log.Info().
		Str("bucket", bucket).
		Str("key", key).
		Int("results", len(results)).
		Int64("bytes", size).
		Msg("Result archive uploaded to S3")
	return size, nil
}

// GeneratePresignedURL creates a pre-signed GET URL for an S3 object.
func GeneratePresignedURL(ctx context.Context, presignClient *s3.PresignClient, bucket, key string, expiry time.Duration) (string, error) {
	result, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign GetObject: %w", err)
	}
	return result.URL, nil
}
