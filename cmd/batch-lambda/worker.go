package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/fpang/mediaquery/internal/batch"
	"github.com/fpang/mediaquery/internal/media"
	"github.com/fpang/mediaquery/internal/metrics"
	"github.com/fpang/mediaquery/internal/provider"
	"github.com/fpang/mediaquery/internal/query"
	"github.com/fpang/mediaquery/internal/s3util"
	"github.com/fpang/mediaquery/internal/store"
)

const (
	// defaultDeadlineSlack is reserved before the Lambda deadline for the
	// archive upload and the final status write.
	defaultDeadlineSlack = 45 * time.Second

	archiveURLExpiry = 24 * time.Hour
)

// BatchEvent is the Lambda input.
type BatchEvent struct {
	Bucket   string `json:"bucket"`
	Prefix   string `json:"prefix"`
	Question string `json:"question"`
	Provider string `json:"provider,omitempty"`
	GroupBy  string `json:"groupBy,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	BatchID  string `json:"batchId,omitempty"`
}

// BatchResponse summarizes a finished batch.
type BatchResponse struct {
	BatchID    string `json:"batchId"`
	Status     string `json:"status"`
	TotalItems int    `json:"totalItems"`
	Succeeded  int    `json:"succeeded"`
	Failed     int    `json:"failed"`
	ArchiveKey string `json:"archiveKey,omitempty"`
	ArchiveURL string `json:"archiveUrl,omitempty"`
	Error      string `json:"error,omitempty"`
}

// submitter is the part of query.Service the worker needs.
type submitter interface {
	SubmitQuery(ctx context.Context, req query.Request) provider.QueryResult
}

type worker struct {
	s3            s3util.API
	presigner     *s3.PresignClient
	archiveBucket string
	results       store.ResultStore
	query         submitter
	registry      interface{ Default() string }
	deadlineSlack time.Duration
}

func (w *worker) run(ctx context.Context, ev BatchEvent) (BatchResponse, error) {
	if ev.Bucket == "" || ev.Question == "" {
		return BatchResponse{}, errors.New("bucket and question are required")
	}
	groupKey, err := batch.ParseGroupBy(ev.GroupBy)
	if err != nil {
		return BatchResponse{}, err
	}

	batchID := ev.BatchID
	if batchID == "" {
		batchID = batch.NewID()
	}
	resp := BatchResponse{BatchID: batchID}

	items, err := s3util.ListMedia(ctx, w.s3, ev.Bucket, ev.Prefix, ev.Limit)
	if err != nil {
		resp.Status = store.StatusError
		resp.Error = err.Error()
		return resp, err
	}
	resp.TotalItems = len(items)

	providerName := ev.Provider
	if providerName == "" && w.registry != nil {
		providerName = w.registry.Default()
	}
	w.putBatch(ctx, &store.Batch{
		ID:         batchID,
		Status:     store.StatusRunning,
		Question:   ev.Question,
		Provider:   providerName,
		Source:     fmt.Sprintf("s3://%s/%s", ev.Bucket, ev.Prefix),
		GroupBy:    ev.GroupBy,
		TotalItems: len(items),
	})

	// Stop starting new items early enough to write the archive.
	runCtx := ctx
	if deadline, ok := ctx.Deadline(); ok && w.deadlineSlack > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(ctx, deadline.Add(-w.deadlineSlack))
		defer cancel()
	}

	orch := batch.New(batch.ProcessorFunc(func(ctx context.Context, item media.Item, q string) provider.QueryResult {
		return w.query.SubmitQuery(ctx, query.Request{Item: item, Question: q, Provider: ev.Provider})
	}), batch.WithReclaimEvery(batch.DefaultReclaimEvery))

	start := time.Now()
	results, runErr := orch.StartWithID(runCtx, batchID, items, groupKey, ev.Question, func(i int, res provider.QueryResult) {
		if w.results == nil {
			return
		}
		r := store.FromQueryResult(i, res)
		if err := w.results.PutResult(ctx, batchID, &r); err != nil {
			log.Warn().Err(err).Str("batch_id", batchID).Int("index", i).Msg("Failed to persist result")
		}
	})

	stored := make([]store.Result, len(results))
	for i, r := range results {
		stored[i] = store.FromQueryResult(i, r)
		if r.OK() {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}

	resp.Status = store.StatusComplete
	if runErr != nil {
		resp.Status = store.StatusAborted
		resp.Error = runErr.Error()
	}

	bucket := w.archiveBucket
	if bucket == "" {
		bucket = ev.Bucket
	}
	key := s3util.ArchiveKey(ev.Prefix, batchID)
	if _, err := s3util.UploadResultsArchive(ctx, w.s3, bucket, key, stored); err != nil {
		log.Error().Err(err).Str("batch_id", batchID).Msg("Failed to upload result archive")
		resp.Status = store.StatusError
		resp.Error = err.Error()
	} else {
		resp.ArchiveKey = key
		if w.presigner != nil {
			if url, err := s3util.GeneratePresignedURL(ctx, w.presigner, bucket, key, archiveURLExpiry); err == nil {
				resp.ArchiveURL = url
			} else {
				log.Warn().Err(err).Str("key", key).Msg("Failed to presign archive URL")
			}
		}
	}

	if w.results != nil {
		if err := w.results.UpdateBatchStatus(ctx, batchID, resp.Status, resp.Succeeded, resp.Failed); err != nil {
			log.Warn().Err(err).Str("batch_id", batchID).Msg("Failed to update batch status")
		}
	}

	metrics.New().
		Dimension("Status", resp.Status).
		Count("BatchRuns").
		Duration("BatchDurationMs", time.Since(start)).
		Metric("BatchSize", float64(len(items)), metrics.UnitCount).
		Flush()

	log.Info().
		Str("batch_id", batchID).
		Str("status", resp.Status).
		Int("succeeded", resp.Succeeded).
		Int("failed", resp.Failed).
		Str("archive_key", resp.ArchiveKey).
		Dur("duration", time.Since(start)).
		Msg("Batch Lambda complete")
	return resp, nil
}

func (w *worker) putBatch(ctx context.Context, b *store.Batch) {
	if w.results == nil {
		return
	}
	if err := w.results.PutBatch(ctx, b); err != nil {
		log.Warn().Err(err).Str("batch_id", b.ID).Msg("Failed to persist batch")
	}
}
