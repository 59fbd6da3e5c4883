package oracle

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/SavageCabbagee/paper/internal/model"
)

// Fetcher is anything that can price a token.
type Fetcher interface {
	Fetch(ctx context.Context, token string) (model.Quote, error)
}

// Coalescing collapses concurrent Fetch calls for the same token into one
// upstream request. Nothing is cached once the request completes.
type Coalescing struct {
	next  Fetcher
	group singleflight.Group
}

// NewCoalescing wraps next.
func NewCoalescing(next Fetcher) *Coalescing {
	return &Coalescing{next: next}
}

// Fetch joins an in-flight request for token or starts one. The shared
// request runs detached from any single caller's cancellation; each caller
// still stops waiting when its own ctx is done.
func (c *Coalescing) Fetch(ctx context.Context, token string) (model.Quote, error) {
	ch := c.group.DoChan(token, func() (interface{}, error) {
		return c.next.Fetch(context.WithoutCancel(ctx), token)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return model.Quote{}, res.Err
		}
		return res.Val.(model.Quote), nil
	case <-ctx.Done():
		return model.Quote{}, ctx.Err()
	}
}
