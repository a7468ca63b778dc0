// Package metrics emits CloudWatch Embedded Metric Format (EMF) documents.
//
// Each Recorder flushes one JSON line. Inside Lambda the line goes to stdout,
// where CloudWatch extracts the metrics from the log stream. Elsewhere output
// is discarded unless MEDIAQUERY_METRICS=stdout, so the CLI's terminal is not
// interleaved with JSON.
//
// See: https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/CloudWatch_Embedded_Metric_Format_Specification.html
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// Namespace is the CloudWatch namespace for all mediaquery metrics.
const Namespace = "MediaQuery"

// Standard CloudWatch metric units.
const (
	UnitMilliseconds = "Milliseconds"
	UnitCount        = "Count"
	UnitBytes        = "Bytes"
	UnitNone         = "None"
)

type metricDef struct {
	Name string `json:"Name"`
	Unit string `json:"Unit"`
}

type emfDirective struct {
	Timestamp         int64      `json:"Timestamp"`
	CloudWatchMetrics []cwMetric `json:"CloudWatchMetrics"`
}

type cwMetric struct {
	Namespace  string      `json:"Namespace"`
	Dimensions [][]string  `json:"Dimensions"`
	Metrics    []metricDef `json:"Metrics"`
}

// Recorder accumulates dimensions, metrics, and properties for a single EMF flush.
// It is NOT safe for concurrent use from multiple goroutines; create one per operation.
type Recorder struct {
	namespace  string
	dimensions map[string]string
	metrics    map[string]metricDef
	values     map[string]interface{}
	properties map[string]interface{}
}

var (
	mu           sync.Mutex
	out          io.Writer
	functionName string
	initOnce     sync.Once
)

func initFromEnv() {
	functionName = os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
	if out != nil {
		return
	}
	if functionName != "" || os.Getenv("MEDIAQUERY_METRICS") == "stdout" {
		out = os.Stdout
	} else {
		out = io.Discard
	}
}

// SetOutput redirects flushed documents. Passing nil restores the
// environment-derived default on the next flush.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	if w == nil {
		initOnce = sync.Once{}
	}
}

// New creates a Recorder in the mediaquery namespace. Inside Lambda the
// FunctionName dimension is added automatically.
func New() *Recorder {
	return NewIn(Namespace)
}

// NewIn creates a Recorder for an explicit namespace.
func NewIn(namespace string) *Recorder {
	mu.Lock()
	initOnce.Do(initFromEnv)
	fn := functionName
	mu.Unlock()

	r := &Recorder{
		namespace:  namespace,
		dimensions: make(map[string]string),
		metrics:    make(map[string]metricDef),
		values:     make(map[string]interface{}),
		properties: make(map[string]interface{}),
	}
	if fn != "" {
		r.dimensions["FunctionName"] = fn
	}
	return r
}

// Dimension adds a dimension key-value pair. Empty values are ignored so
// callers can pass optional labels without branching.
func (r *Recorder) Dimension(key, value string) *Recorder {
	if value != "" {
		r.dimensions[key] = value
	}
	return r
}

// Metric records a named metric value with a CloudWatch unit.
func (r *Recorder) Metric(name string, value float64, unit string) *Recorder {
	r.metrics[name] = metricDef{Name: name, Unit: unit}
	r.values[name] = value
	return r
}

// Count records a count metric with value 1.
func (r *Recorder) Count(name string) *Recorder {
	return r.Metric(name, 1, UnitCount)
}

// Duration records d in milliseconds.
func (r *Recorder) Duration(name string, d time.Duration) *Recorder {
	return r.Metric(name, float64(d.Milliseconds()), UnitMilliseconds)
}

// Property adds a non-metric field. Properties are searchable in Logs
// Insights but do not create CloudWatch metrics.
func (r *Recorder) Property(key string, value interface{}) *Recorder {
	r.properties[key] = value
	return r
}

// Flush writes the document as a single JSON line. A Recorder with no
// metrics writes nothing. The Recorder should not be reused afterwards.
func (r *Recorder) Flush() {
	if len(r.metrics) == 0 {
		return
	}

	metricDefs := make([]metricDef, 0, len(r.metrics))
	for _, m := range r.metrics {
		metricDefs = append(metricDefs, m)
	}
	sort.Slice(metricDefs, func(i, j int) bool { return metricDefs[i].Name < metricDefs[j].Name })

	dimKeys := make([]string, 0, len(r.dimensions))
	for k := range r.dimensions {
		dimKeys = append(dimKeys, k)
	}
	sort.Strings(dimKeys)

	doc := make(map[string]interface{}, 1+len(r.dimensions)+len(r.values)+len(r.properties))
	doc["_aws"] = emfDirective{
		Timestamp: time.Now().UnixMilli(),
		CloudWatchMetrics: []cwMetric{{
			Namespace:  r.namespace,
			Dimensions: [][]string{dimKeys},
			Metrics:    metricDefs,
		}},
	}
	for k, v := range r.properties {
		doc[k] = v
	}
	for k, v := range r.dimensions {
		doc[k] = v
	}
	for k, v := range r.values {
		doc[k] = v
	}

	data, err := json.Marshal(doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emf: failed to marshal metrics: %v\n", err)
		return
	}

	mu.Lock()
	defer mu.Unlock()
	initOnce.Do(initFromEnv)
	fmt.Fprintln(out, string(data))
}
