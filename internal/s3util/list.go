package s3util

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/fpang/mediaquery/internal/media"
)

// ListMedia returns an item for every supported media object under prefix,
// sorted by key. Item IDs are the keys relative to prefix so directory
// grouping follows the key layout. limit caps the result; 0 means no cap.
func ListMedia(ctx context.Context, client API, bucket, prefix string, limit int) ([]media.Item, error) {
	log.Info().Str("bucket", bucket).Str("prefix", prefix).Msg("Listing media in S3")

	var items []media.Item
	skipped := 0
	p := s3.NewListObjectsV2Paginator(client, &s3.ListObjectsV2Input{
		Bucket: &bucket,
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("S3 ListObjectsV2 %s/%s: %w", bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if strings.HasSuffix(key, "/") {
				continue
			}
			kind := media.KindOf(key)
			if kind == media.KindUnknown || strings.HasPrefix(path.Base(key), ".") {
				skipped++
				continue
			}
			id := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
			items = append(items, media.Item{
				ID:     id,
				Kind:   kind,
				Source: &Source{Client: client, Bucket: bucket, Key: key, size: aws.ToInt64(obj.Size)},
			})
		}
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	log.Info().
		Int("items", len(items)).
		Int("skipped", skipped).
		Msg("S3 listing complete")
	return items, nil
}
