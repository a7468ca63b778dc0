package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fpang/mediaquery/internal/media"
	"github.com/fpang/mediaquery/internal/provider"
	"github.com/fpang/mediaquery/internal/query"
)

// QueryInput is the argument of the query tool.
type QueryInput struct {
	Path     string `json:"path" jsonschema:"absolute path of the image or video"`
	Question string `json:"question" jsonschema:"question to ask about the media"`
	Provider string `json:"provider,omitempty" jsonschema:"provider name; empty selects the default"`
}

// DetectInput is the argument of the detect tool.
type DetectInput struct {
	Path     string `json:"path" jsonschema:"absolute path of the image"`
	Object   string `json:"object" jsonschema:"object to locate, e.g. face"`
	Provider string `json:"provider,omitempty" jsonschema:"provider with detection support"`
}

// QueryOutput is the result of the query tool.
type QueryOutput struct {
	ItemID     string `json:"itemId"`
	Provider   string `json:"provider"`
	Outcome    string `json:"outcome"`
	Answer     string `json:"answer,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	Class      string `json:"class,omitempty"`
	Message    string `json:"message,omitempty"`
	Attempts   int    `json:"attempts"`
	Tier       string `json:"tier,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

func toOutput(res provider.QueryResult) QueryOutput {
	return QueryOutput{
		ItemID:     res.ItemID,
		Provider:   res.Provider,
		Outcome:    res.Outcome.String(),
		Answer:     res.Answer,
		RequestID:  res.RequestID,
		Class:      string(res.Class),
		Message:    res.Message,
		Attempts:   res.Attempts,
		Tier:       res.Tier,
		DurationMs: res.Duration.Milliseconds(),
	}
}

// DetectOutput is the result of the detect tool.
type DetectOutput struct {
	Result  QueryOutput            `json:"result"`
	Objects []provider.BoundingBox `json:"objects"`
}

// ProviderInfo describes one provider for the providers tool.
type ProviderInfo struct {
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Model         string `json:"model"`
	SupportsImage bool   `json:"supportsImage"`
	SupportsVideo bool   `json:"supportsVideo"`
	Default       bool   `json:"default"`
}

// ProvidersOutput is the result of the providers tool.
type ProvidersOutput struct {
	Providers []ProviderInfo `json:"providers"`
}

type tools struct {
	svc      *query.Service
	registry *provider.Registry
}

func newTools(svc *query.Service, registry *provider.Registry) *tools {
	return &tools{svc: svc, registry: registry}
}

func (t *tools) register(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "query",
		Description: "Ask a vision provider a question about a local image or video. Large videos are compressed automatically.",
	}, t.query)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "detect",
		Description: "Locate objects in a local image with a provider that supports detection.",
	}, t.detect)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "providers",
		Description: "List the configured providers and whether they accept images and videos.",
	}, t.providers)
}

func (t *tools) query(ctx context.Context, _ *mcp.CallToolRequest, in QueryInput) (*mcp.CallToolResult, QueryOutput, error) {
	if strings.TrimSpace(in.Question) == "" {
		return nil, QueryOutput{}, fmt.Errorf("question is required")
	}
	item, err := media.NewFileItem(in.Path)
	if err != nil {
		return nil, QueryOutput{}, err
	}
	res := t.svc.SubmitQuery(ctx, query.Request{Item: item, Question: in.Question, Provider: in.Provider})
	return nil, toOutput(res), nil
}

func (t *tools) detect(ctx context.Context, _ *mcp.CallToolRequest, in DetectInput) (*mcp.CallToolResult, DetectOutput, error) {
	if strings.TrimSpace(in.Object) == "" {
		return nil, DetectOutput{}, fmt.Errorf("object is required")
	}
	item, err := media.NewFileItem(in.Path)
	if err != nil {
		return nil, DetectOutput{}, err
	}
	res := t.svc.Detect(ctx, item, in.Object, in.Provider)
	objects := res.Objects
	if objects == nil {
		objects = []provider.BoundingBox{}
	}
	return nil, DetectOutput{Result: toOutput(res.QueryResult), Objects: objects}, nil
}

func (t *tools) providers(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, ProvidersOutput, error) {
	out := ProvidersOutput{Providers: []ProviderInfo{}}
	for _, name := range t.registry.Names() {
		p, cfg, err := t.registry.Get(name)
		if err != nil {
			continue
		}
		caps := p.Capabilities()
		out.Providers = append(out.Providers, ProviderInfo{
			Name:          name,
			Kind:          cfg.Kind,
			Model:         cfg.Model,
			SupportsImage: caps.SupportsImage,
			SupportsVideo: caps.SupportsVideo,
			Default:       name == t.registry.Default(),
		})
	}
	return nil, out, nil
}
