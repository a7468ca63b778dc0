package metrics

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func TestRecorder_FlushOutput(t *testing.T) {
	buf := capture(t)

	New().
		Dimension("Provider", "gemini").
		Duration("ProviderLatencyMs", 1234*time.Millisecond).
		Count("ProviderCalls").
		Property("itemId", "clip.mp4").
		Flush()

	var doc map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("failed to parse EMF output as JSON: %v\nOutput: %s", err, buf.String())
	}

	awsMap, ok := doc["_aws"].(map[string]interface{})
	if !ok {
		t.Fatal("missing _aws directive in EMF output")
	}
	if _, ok := awsMap["Timestamp"]; !ok {
		t.Error("missing Timestamp in _aws directive")
	}
	cwArr, ok := awsMap["CloudWatchMetrics"].([]interface{})
	if !ok || len(cwArr) != 1 {
		t.Fatal("CloudWatchMetrics should hold one entry")
	}
	cw := cwArr[0].(map[string]interface{})
	if cw["Namespace"] != Namespace {
		t.Errorf("expected namespace %s, got %v", Namespace, cw["Namespace"])
	}
	if len(cw["Metrics"].([]interface{})) != 2 {
		t.Errorf("expected 2 metric definitions, got %v", cw["Metrics"])
	}

	if doc["Provider"] != "gemini" {
		t.Errorf("expected Provider=gemini, got %v", doc["Provider"])
	}
	if doc["ProviderLatencyMs"] != 1234.0 {
		t.Errorf("expected ProviderLatencyMs=1234, got %v", doc["ProviderLatencyMs"])
	}
	if doc["ProviderCalls"] != 1.0 {
		t.Errorf("expected ProviderCalls=1, got %v", doc["ProviderCalls"])
	}
	if doc["itemId"] != "clip.mp4" {
		t.Errorf("expected itemId property, got %v", doc["itemId"])
	}
}

func TestRecorder_EmptyFlush(t *testing.T) {
	buf := capture(t)
	New().Dimension("Provider", "gemini").Flush()
	if buf.Len() != 0 {
		t.Errorf("expected no output for recorder without metrics, got %q", buf.String())
	}
}

func TestRecorder_EmptyDimensionIgnored(t *testing.T) {
	r := NewIn("Test").Dimension("Tier", "")
	if _, ok := r.dimensions["Tier"]; ok {
		t.Error("empty dimension value should be dropped")
	}
}

func TestNew_FunctionNameDimension(t *testing.T) {
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "batch-worker")
	buf := capture(t)
	SetOutput(nil)
	SetOutput(buf)

	r := New()
	if r.dimensions["FunctionName"] != "batch-worker" {
		t.Errorf("expected FunctionName dimension, got %q", r.dimensions["FunctionName"])
	}
}
