package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fpang/mediaquery/internal/provider"
	"github.com/fpang/mediaquery/internal/query"
	"github.com/fpang/mediaquery/internal/store"
)

type memS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Prefix)
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, strings.TrimPrefix(k, aws.ToString(in.Bucket)+"/"))
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(k), Size: aws.Int64(1)})
	}
	return out, nil
}

// memStore is an in-memory store.ResultStore.
type memStore struct {
	mu      sync.Mutex
	batches map[string]*store.Batch
	results map[string][]store.Result
}

func newMemStore() *memStore {
	return &memStore{batches: map[string]*store.Batch{}, results: map[string][]store.Result{}}
}

func (m *memStore) PutBatch(_ context.Context, b *store.Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *b
	m.batches[b.ID] = &cp
	return nil
}

func (m *memStore) GetBatch(_ context.Context, id string) (*store.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches[id], nil
}

func (m *memStore) UpdateBatchStatus(_ context.Context, id, status string, ok, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.batches[id]
	if b == nil {
		return errors.New("missing batch")
	}
	b.Status, b.Succeeded, b.Failed = status, ok, failed
	return nil
}

func (m *memStore) PutResult(_ context.Context, id string, r *store.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[id] = append(m.results[id], *r)
	return nil
}

func (m *memStore) ListResults(_ context.Context, id string) ([]store.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[id], nil
}

func (m *memStore) DeleteBatch(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.batches, id)
	delete(m.results, id)
	return nil
}

// answerer succeeds for images and fails videos as unsupported.
type answerer struct {
	mu        sync.Mutex
	providers []string
}

func (a *answerer) SubmitQuery(ctx context.Context, req query.Request) provider.QueryResult {
	a.mu.Lock()
	a.providers = append(a.providers, req.Provider)
	a.mu.Unlock()
	if strings.HasSuffix(req.Item.ID, ".mp4") {
		return provider.Failed(provider.ClassUnsupported, "no video")
	}
	path, release, err := req.Item.Source.Materialize(ctx)
	if err != nil {
		return provider.Failed(provider.ClassPermanent, err.Error())
	}
	defer release()
	return provider.Succeeded(provider.Answer{Text: "seen " + path[strings.LastIndex(path, "."):]})
}

type fixedDefault string

func (f fixedDefault) Default() string { return string(f) }

func TestWorkerRun(t *testing.T) {
	s3c := &memS3{objects: map[string][]byte{
		"media/trip/rome/a.jpg":  []byte("a"),
		"media/trip/rome/b.mp4":  []byte("b"),
		"media/trip/paris/c.png": []byte("c"),
		"media/trip/notes.txt":   []byte("x"),
	}}
	results := newMemStore()
	ans := &answerer{}
	w := &worker{s3: s3c, results: results, query: ans, registry: fixedDefault("gemini")}

	resp, err := w.run(context.Background(), BatchEvent{
		Bucket: "media", Prefix: "trip/", Question: "where?", GroupBy: "dir", BatchID: "batch-t1",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if resp.BatchID != "batch-t1" || resp.Status != store.StatusComplete || resp.TotalItems != 3 || resp.Succeeded != 2 || resp.Failed != 1 {
		t.Errorf("response = %+v", resp)
	}
	if resp.ArchiveKey != "trip/results/batch-t1.jsonl.zst" {
		t.Errorf("ArchiveKey = %s", resp.ArchiveKey)
	}

	b, _ := results.GetBatch(context.Background(), "batch-t1")
	if b == nil || b.Status != store.StatusComplete || b.Provider != "gemini" || b.Source != "s3://media/trip/" || b.Succeeded != 2 {
		t.Errorf("stored batch = %+v", b)
	}
	if n := len(results.results["batch-t1"]); n != 3 {
		t.Errorf("stored %d results, want 3", n)
	}

	archive := s3c.objects["media/"+resp.ArchiveKey]
	got, err := store.ReadArchive(bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("ReadArchive: %v", err)
	}
	// Archive is in listing order: paris/c.png, rome/a.jpg, rome/b.mp4.
	if len(got) != 3 || got[0].ItemID != "paris/c.png" || got[0].Answer != "seen .png" || got[2].Class != "unsupported" {
		t.Errorf("archive = %+v", got)
	}
}

func TestWorkerRunArchiveBucketAndNoStore(t *testing.T) {
	s3c := &memS3{objects: map[string][]byte{"in/x.jpg": []byte("x")}}
	w := &worker{s3: s3c, archiveBucket: "out", query: &answerer{}}

	resp, err := w.run(context.Background(), BatchEvent{Bucket: "in", Question: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(resp.BatchID, "batch-") {
		t.Errorf("BatchID = %q", resp.BatchID)
	}
	if _, ok := s3c.objects["out/results/"+resp.BatchID+".jsonl.zst"]; !ok {
		t.Errorf("archive not in archive bucket: %v", resp)
	}
}

func TestWorkerRunValidation(t *testing.T) {
	w := &worker{s3: &memS3{objects: map[string][]byte{}}, query: &answerer{}}
	tests := []BatchEvent{
		{Question: "q"},
		{Bucket: "b"},
		{Bucket: "b", Question: "q", GroupBy: "city"},
	}
	for _, ev := range tests {
		if _, err := w.run(context.Background(), ev); err == nil {
			t.Errorf("run(%+v) should fail", ev)
		}
	}
}

func TestWorkerRunNearDeadline(t *testing.T) {
	s3c := &memS3{objects: map[string][]byte{"in/a.jpg": []byte("a"), "in/b.jpg": []byte("b")}}
	results := newMemStore()
	w := &worker{s3: s3c, results: results, query: &answerer{}, deadlineSlack: time.Minute}

	// The deadline is inside the slack, so no item may start.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := w.run(ctx, BatchEvent{Bucket: "in", Question: "q", BatchID: "batch-late"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != store.StatusAborted || resp.Failed != 2 || resp.ArchiveKey == "" {
		t.Errorf("response = %+v", resp)
	}
	for _, r := range results.results["batch-late"] {
		if r.Class != string(provider.ClassCancelled) {
			t.Errorf("result %d class = %s, want cancelled", r.Index, r.Class)
		}
	}
}
