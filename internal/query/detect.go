package query

import (
	"context"
	"fmt"
	"os"

	"github.com/fpang/mediaquery/internal/media"
	"github.com/fpang/mediaquery/internal/provider"
)

// DetectResult is the outcome of an object detection request. Objects is
// set only when the result succeeded.
type DetectResult struct {
	provider.QueryResult
	Objects []provider.BoundingBox `json:"objects,omitempty"`
}

// Detect locates target in an image item. The provider must implement
// provider.Detector; others fail as Unsupported.
func (s *Service) Detect(ctx context.Context, item media.Item, target, providerName string) DetectResult {
	fail := func(qr provider.QueryResult, name string) DetectResult {
		qr.ItemID = item.ID
		qr.Question = target
		qr.Provider = name
		return DetectResult{QueryResult: qr}
	}

	p, _, err := s.providers.Get(providerName)
	if err != nil {
		return fail(provider.Failed(provider.ClassPermanent, err.Error()), providerName)
	}
	det, ok := p.(provider.Detector)
	if !ok || item.Kind != media.KindImage {
		return fail(provider.Failed(provider.ClassUnsupported,
			fmt.Sprintf("%s cannot detect objects in %s input", p.Name(), item.Kind)), p.Name())
	}
	if item.Source == nil {
		return fail(provider.Failed(provider.ClassPermanent, "item has no payload"), p.Name())
	}

	path, release, err := item.Source.Materialize(ctx)
	if err != nil {
		return fail(failure(ctx, err, "failed to load item"), p.Name())
	}
	defer release()

	img, err := media.LoadImage(path, s.opts.MaxImageDimension)
	if err != nil {
		return fail(provider.Failed(provider.ClassPermanent, err.Error()), p.Name())
	}

	var found []provider.BoundingBox
	qr := s.retry.Execute(ctx, p.Class(), p.Name(), func(ctx context.Context) (provider.Answer, error) {
		d, err := det.Detect(ctx, img, target)
		if err != nil {
			return provider.Answer{}, err
		}
		found = d.Objects
		return provider.Answer{Text: fmt.Sprintf("found %d %s", len(d.Objects), target), RequestID: d.RequestID}, nil
	})
	qr.ItemID = item.ID
	qr.Question = target

	res := DetectResult{QueryResult: qr}
	if qr.OK() {
		res.Objects = found
	}
	return res
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat video: %w", err)
	}
	return info.Size(), nil
}
