// Package s3util provides the S3 helpers used by the batch Lambda: listing
// media under a prefix, materializing objects as local files and uploading
// result archives.
package s3util

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/fpang/mediaquery/internal/media"
)

// API is the subset of the S3 client used here.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Source is a media.Source backed by an S3 object. The object is downloaded
// only when the item is materialized.
type Source struct {
	Client API
	Bucket string
	Key    string
	size   int64
}

var _ media.Source = (*Source)(nil)

// Materialize downloads the object to a temp file.
func (s *Source) Materialize(ctx context.Context) (string, func(), error) {
	return DownloadToTempFile(ctx, s.Client, s.Bucket, s.Key)
}

// Size returns the object size from the listing, or -1.
func (s *Source) Size() int64 {
	if s.size > 0 {
		return s.size
	}
	return -1
}

// DownloadToTempFile downloads an S3 object to a new temporary file that
// keeps the key's extension, and returns the path plus a release function
// that removes it.
func DownloadToTempFile(ctx context.Context, client API, bucket, key string) (string, func(), error) {
	log.Debug().Str("bucket", bucket).Str("key", key).Msg("Downloading from S3")

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return "", nil, fmt.Errorf("S3 GetObject %s: %w", key, err)
	}
	defer result.Body.Close()

	tmpFile, err := os.CreateTemp("", "s3dl-*"+filepath.Ext(key))
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	path := tmpFile.Name()

	n, err := io.Copy(tmpFile, result.Body)
	if err != nil {
		tmpFile.Close()
		os.Remove(path)
		return "", nil, fmt.Errorf("download %s: %w", key, err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(path)
		return "", nil, fmt.Errorf("close temp file: %w", err)
	}

	log.Debug().Str("key", key).Int64("bytes", n).Str("path", path).Msg("S3 object downloaded")
	return path, media.TempRelease(path), nil
}
