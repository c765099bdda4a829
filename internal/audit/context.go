package audit

import (
	"context"

	"github.com/hackgods/clinic-scheduling/internal/domain"
)

type originKey struct{}

// WithOrigin attaches request metadata that the Recorder copies onto entries.
func WithOrigin(ctx context.Context, origin domain.Origin) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

func OriginFrom(ctx context.Context) domain.Origin {
	if o, ok := ctx.Value(originKey{}).(domain.Origin); ok {
		return o
	}
	return domain.Origin{}
}
