package workgroup

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Workgroup runs related workers against a shared context and collects the
// first error.
type Workgroup struct {
	ctx   context.Context
	group errgroup.Group
}

func WithContext(ctx context.Context) *Workgroup {
	return &Workgroup{
		ctx: ctx,
	}
}

func (g *Workgroup) Work(fn func(context.Context) error) {
	g.group.Go(func() error {
		return fn(g.ctx)
	})
}

func (g *Workgroup) Wait() error {
	return g.group.Wait()
}
