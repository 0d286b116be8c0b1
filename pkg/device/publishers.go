package device

import (
	"context"
)

// Publishers fans every call out to each publisher in order. All of them are
// tried, the first error is returned.
type Publishers []Publisher

var _ Publisher = Publishers(nil)

func (ps Publishers) PublishCamera(ctx context.Context, info CameraInfo) error {
	return ps.each(func(p Publisher) error { return p.PublishCamera(ctx, info) })
}

func (ps Publishers) PublishState(ctx context.Context, info CameraInfo, state CameraState) error {
	return ps.each(func(p Publisher) error { return p.PublishState(ctx, info, state) })
}

func (ps Publishers) RemoveCamera(ctx context.Context, info CameraInfo) error {
	return ps.each(func(p Publisher) error { return p.RemoveCamera(ctx, info) })
}

func (ps Publishers) each(fn func(Publisher) error) error {
	var first error
	for _, p := range ps {
		if err := fn(p); err != nil && first == nil {
			first = err
		}
	}
	return first
}
