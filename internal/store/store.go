// Package store persists batch progress and per-item results.
//
// Records use a single-table DynamoDB design: every record for a batch
// shares the partition key BATCH#{batchId}. The sort key META holds the
// batch summary and RESULT#{index} holds one item's result, zero-padded so
// a Query returns results in submission order. A TTL attribute (expiresAt)
// removes records after ResultTTL.
package store

import (
	"context"
	"time"

	"github.com/fpang/mediaquery/internal/provider"
)

// ResultTTL is how long batch records are kept.
const ResultTTL = 7 * 24 * time.Hour

// Batch statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusAborted  = "aborted"
	StatusError    = "error"
)

// ResultStore persists batch state. Get methods return (nil, nil) when the
// record does not exist; Put methods replace the whole record.
type ResultStore interface {
	PutBatch(ctx context.Context, b *Batch) error
	GetBatch(ctx context.Context, batchID string) (*Batch, error)
	UpdateBatchStatus(ctx context.Context, batchID, status string, succeeded, failed int) error
	PutResult(ctx context.Context, batchID string, r *Result) error
	ListResults(ctx context.Context, batchID string) ([]Result, error)
	DeleteBatch(ctx context.Context, batchID string) error
}

// Batch is the summary record of one batch run.
type Batch struct {
	ID          string `json:"id" dynamodbav:"-"`
	Status      string `json:"status" dynamodbav:"status"`
	Question    string `json:"question" dynamodbav:"question"`
	Provider    string `json:"provider" dynamodbav:"provider"`
	Source      string `json:"source,omitempty" dynamodbav:"source,omitempty"`
	GroupBy     string `json:"groupBy,omitempty" dynamodbav:"groupBy,omitempty"`
	TotalItems  int    `json:"totalItems" dynamodbav:"totalItems"`
	Succeeded   int    `json:"succeeded" dynamodbav:"succeeded"`
	Failed      int    `json:"failed" dynamodbav:"failed"`
	ArchiveKey  string `json:"archiveKey,omitempty" dynamodbav:"archiveKey,omitempty"`
	CreatedAt   int64  `json:"createdAt" dynamodbav:"createdAt"`
	CompletedAt int64  `json:"completedAt,omitempty" dynamodbav:"completedAt,omitempty"`
}

// Result is the stored form of one provider.QueryResult.
type Result struct {
	Index      int    `json:"index" dynamodbav:"index"`
	ItemID     string `json:"itemId" dynamodbav:"itemId"`
	Provider   string `json:"provider" dynamodbav:"provider"`
	Question   string `json:"question" dynamodbav:"question"`
	Outcome    string `json:"outcome" dynamodbav:"outcome"`
	Answer     string `json:"answer,omitempty" dynamodbav:"answer,omitempty"`
	RequestID  string `json:"requestId,omitempty" dynamodbav:"requestId,omitempty"`
	Class      string `json:"class,omitempty" dynamodbav:"class,omitempty"`
	Message    string `json:"message,omitempty" dynamodbav:"message,omitempty"`
	Attempts   int    `json:"attempts" dynamodbav:"attempts"`
	Tier       string `json:"tier,omitempty" dynamodbav:"tier,omitempty"`
	DurationMs int64  `json:"durationMs" dynamodbav:"durationMs"`
}

// FromQueryResult converts a result for storage.
func FromQueryResult(index int, r provider.QueryResult) Result {
	return Result{
		Index:      index,
		ItemID:     r.ItemID,
		Provider:   r.Provider,
		Question:   r.Question,
		Outcome:    r.Outcome.String(),
		Answer:     r.Answer,
		RequestID:  r.RequestID,
		Class:      string(r.Class),
		Message:    r.Message,
		Attempts:   r.Attempts,
		Tier:       r.Tier,
		DurationMs: r.Duration.Milliseconds(),
	}
}

// QueryResult converts a stored result back.
func (r Result) QueryResult() provider.QueryResult {
	var outcome provider.Outcome
	outcome.UnmarshalText([]byte(r.Outcome))
	return provider.QueryResult{
		ItemID:    r.ItemID,
		Provider:  r.Provider,
		Question:  r.Question,
		Outcome:   outcome,
		Answer:    r.Answer,
		RequestID: r.RequestID,
		Class:     provider.Classification(r.Class),
		Message:   r.Message,
		Attempts:  r.Attempts,
		Tier:      r.Tier,
		Duration:  time.Duration(r.DurationMs) * time.Millisecond,
	}
}
