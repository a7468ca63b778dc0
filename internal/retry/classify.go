package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"slices"
	"strings"
	"syscall"

	"github.com/aws/smithy-go"
	"google.golang.org/genai"

	"github.com/fpang/mediaquery/internal/provider"
)

// Classifier maps failures onto the retry taxonomy.
type Classifier interface {
	// Classify decides the class of an error returned by a provider call.
	Classify(providerName string, err error) provider.Classification

	// ScanAnswer inspects a successful answer for failure phrases that some
	// providers return in-band. ok is false when the answer is clean.
	ScanAnswer(providerName, text string) (class provider.Classification, phrase string, ok bool)
}

// Phrase is one in-band failure marker and the class it implies.
type Phrase struct {
	Text  string                  `yaml:"text"`
	Class provider.Classification `yaml:"class"`
}

// Table is a set of keyword rules. Matching is a case-insensitive substring
// test; Patterns are regular expressions matched against the raw message.
type Table struct {
	RateLimited []string  `yaml:"rate_limited"`
	Transient   []string  `yaml:"transient"`
	Unsupported []string  `yaml:"unsupported"`
	Patterns    []Pattern `yaml:"patterns"`
	InBand      []Phrase  `yaml:"in_band"`
}

// Pattern is a regular-expression rule.
type Pattern struct {
	Expr  string                  `yaml:"expr"`
	Class provider.Classification `yaml:"class"`

	re *regexp.Regexp
}

// DefaultTable carries the rules shared by every provider.
var DefaultTable = Table{
	RateLimited: []string{
		"rate limit", "rate-limit", "ratelimit", "too many requests",
		"quota", "limit exceeded", "throttl", "频率", "限流",
	},
	Transient: []string{
		"internalerror.algo", "proxyerror", "connectionreseterror",
		"connection aborted", "connection reset", "connection refused",
		"broken pipe", "timed out", "timeout", "temporarily unavailable",
		"service unavailable", "bad gateway", "unexpected eof",
		"连接失败", "连接被", "强制关闭", "代理问题",
	},
	Unsupported: []string{
		"not supported", "unsupported", "不支持",
	},
	InBand: []Phrase{
		{Text: "API连接失败", Class: provider.ClassTransient},
		{Text: "连接失败", Class: provider.ClassTransient},
		{Text: "连接被", Class: provider.ClassTransient},
		{Text: "强制关闭", Class: provider.ClassTransient},
		{Text: "代理问题", Class: provider.ClassTransient},
		{Text: "ProxyError", Class: provider.ClassTransient},
		{Text: "ConnectionResetError", Class: provider.ClassTransient},
		{Text: "InternalError.Algo", Class: provider.ClassTransient},
		{Text: "内部算法错误", Class: provider.ClassTransient},
		{Text: "算法错误", Class: provider.ClassTransient},
		{Text: "处理失败", Class: provider.ClassPermanent},
		{Text: "未初始化", Class: provider.ClassPermanent},
		{Text: "model_dump", Class: provider.ClassPermanent},
		{Text: "不支持", Class: provider.ClassUnsupported},
	},
}

// DefaultProviderTables adds rules keyed by configured provider name on top
// of DefaultTable. DashScope (configured as "qwen") reports algorithm faults
// as a bare 500 inside the message text, so only that provider treats a
// status-like 500 as transient.
var DefaultProviderTables = map[string]Table{
	"qwen": {
		Patterns: []Pattern{
			{Expr: `(?i)\b(status(_code)?|code|http)[\s:=]*500\b`, Class: provider.ClassTransient},
			{Expr: `(?i)\bThrottling(\.\w+)?\b`, Class: provider.ClassRateLimited},
		},
	},
}

// Validate checks that every rule names a class from the retry taxonomy.
// An empty class means Permanent. Cancelled is reserved for aborted batches.
func (t Table) Validate() error {
	for i, p := range t.Patterns {
		if err := checkRuleClass(p.Class); err != nil {
			return fmt.Errorf("patterns[%d]: %w", i, err)
		}
	}
	for i, p := range t.InBand {
		if err := checkRuleClass(p.Class); err != nil {
			return fmt.Errorf("in_band[%d]: %w", i, err)
		}
	}
	return nil
}

func checkRuleClass(c provider.Classification) error {
	if c == provider.ClassNone {
		return nil
	}
	parsed, err := provider.ParseClassification(string(c))
	if err != nil {
		return err
	}
	if parsed == provider.ClassCancelled {
		return fmt.Errorf("classification %q cannot be assigned by a rule", c)
	}
	return nil
}

// MergeProviderTables layers configured tables over DefaultProviderTables.
// For a provider that already has built-in rules, the configured rules are
// checked first and the built-in ones stay in effect after them.
func MergeProviderTables(overrides map[string]Table) map[string]Table {
	merged := make(map[string]Table, len(DefaultProviderTables)+len(overrides))
	for name, t := range DefaultProviderTables {
		merged[name] = t
	}
	for name, t := range overrides {
		if def, ok := merged[name]; ok {
			t = Table{
				RateLimited: slices.Concat(t.RateLimited, def.RateLimited),
				Transient:   slices.Concat(t.Transient, def.Transient),
				Unsupported: slices.Concat(t.Unsupported, def.Unsupported),
				Patterns:    slices.Concat(t.Patterns, def.Patterns),
				InBand:      slices.Concat(t.InBand, def.InBand),
			}
		}
		merged[name] = t
	}
	return merged
}

// PhraseClassifier is the default Classifier: structured error inspection
// first, then keyword tables.
type PhraseClassifier struct {
	base      Table
	providers map[string]Table
}

// NewPhraseClassifier compiles the given tables. Nil arguments select the
// defaults. Invalid patterns are reported as an error.
func NewPhraseClassifier(base *Table, providers map[string]Table) (*PhraseClassifier, error) {
	c := &PhraseClassifier{providers: make(map[string]Table)}
	if base == nil {
		base = &DefaultTable
	}
	if providers == nil {
		providers = DefaultProviderTables
	}

	var err error
	if c.base, err = compile(*base); err != nil {
		return nil, err
	}
	for name, t := range providers {
		ct, err := compile(t)
		if err != nil {
			return nil, err
		}
		c.providers[name] = ct
	}
	return c, nil
}

// MustDefaultClassifier returns a classifier over the default tables.
func MustDefaultClassifier() *PhraseClassifier {
	c, err := NewPhraseClassifier(nil, nil)
	if err != nil {
		panic(err)
	}
	return c
}

func compile(t Table) (Table, error) {
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	out := t
	out.Patterns = make([]Pattern, len(t.Patterns))
	for i, p := range t.Patterns {
		re, err := regexp.Compile(p.Expr)
		if err != nil {
			return Table{}, err
		}
		p.re = re
		if p.Class == provider.ClassNone {
			p.Class = provider.ClassPermanent
		}
		out.Patterns[i] = p
	}
	return out, nil
}

// tables returns the provider table (if any) followed by the base table.
func (c *PhraseClassifier) tables(providerName string) []Table {
	if t, ok := c.providers[providerName]; ok {
		return []Table{t, c.base}
	}
	return []Table{c.base}
}

// Classify implements Classifier. Precedence: an explicit class on a
// *provider.Error, context cancellation, HTTP status, SDK error codes,
// network errors, then keyword tables. Anything unmatched is Permanent.
func (c *PhraseClassifier) Classify(providerName string, err error) provider.Classification {
	if err == nil {
		return provider.ClassNone
	}

	var perr *provider.Error
	if errors.As(err, &perr) && perr.Class != provider.ClassNone {
		return perr.Class
	}
	if errors.Is(err, provider.ErrUnsupported) {
		return provider.ClassUnsupported
	}
	if errors.Is(err, context.Canceled) {
		return provider.ClassCancelled
	}

	msg := err.Error()
	status := statusOf(err)

	if status == 429 {
		return provider.ClassRateLimited
	}
	if cls, ok := c.matchPatterns(providerName, msg); ok {
		return cls
	}
	if c.matchKeywords(providerName, msg, func(t Table) []string { return t.RateLimited }) {
		return provider.ClassRateLimited
	}
	if status >= 500 {
		return provider.ClassTransient
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch code := apiErr.ErrorCode(); {
		case strings.Contains(code, "Throttling") || code == "TooManyRequestsException" || code == "ServiceQuotaExceededException":
			return provider.ClassRateLimited
		case code == "ServiceUnavailableException" || code == "InternalServerException" || code == "ModelNotReadyException" || code == "ModelTimeoutException":
			return provider.ClassTransient
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || isNetworkError(err) {
		return provider.ClassTransient
	}
	if c.matchKeywords(providerName, msg, func(t Table) []string { return t.Transient }) {
		return provider.ClassTransient
	}
	if c.matchKeywords(providerName, msg, func(t Table) []string { return t.Unsupported }) {
		return provider.ClassUnsupported
	}
	return provider.ClassPermanent
}

// ScanAnswer implements Classifier. Provider-specific phrases win over the
// shared ones; an entry without a class is Permanent.
func (c *PhraseClassifier) ScanAnswer(providerName, text string) (provider.Classification, string, bool) {
	if text == "" {
		return provider.ClassNone, "", false
	}
	lower := strings.ToLower(text)
	for _, t := range c.tables(providerName) {
		for _, p := range t.InBand {
			if p.Text == "" {
				continue
			}
			if strings.Contains(text, p.Text) || strings.Contains(lower, strings.ToLower(p.Text)) {
				cls := p.Class
				if cls == provider.ClassNone {
					cls = provider.ClassPermanent
				}
				return cls, p.Text, true
			}
		}
	}
	return provider.ClassNone, "", false
}

func (c *PhraseClassifier) matchPatterns(providerName, msg string) (provider.Classification, bool) {
	for _, t := range c.tables(providerName) {
		for _, p := range t.Patterns {
			if p.re.MatchString(msg) {
				return p.Class, true
			}
		}
	}
	return provider.ClassNone, false
}

func (c *PhraseClassifier) matchKeywords(providerName, msg string, pick func(Table) []string) bool {
	lower := strings.ToLower(msg)
	for _, t := range c.tables(providerName) {
		for _, kw := range pick(t) {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

// statusOf extracts an HTTP status from the error chain, or 0.
func statusOf(err error) int {
	var perr *provider.Error
	if errors.As(err, &perr) && perr.Status != 0 {
		return perr.Status
	}
	var gerr genai.APIError
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	var herr interface{ HTTPStatusCode() int }
	if errors.As(err, &herr) {
		return herr.HTTPStatusCode()
	}
	return 0
}

func isNetworkError(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
