package host

import "context"

type ownerKey struct{}

// ownerMark identifies the loop that marked a context
type ownerMark struct{ loop *Loop }

// markOwner returns ctx marked as running on l's owner loop.
func markOwner(ctx context.Context, l *Loop) context.Context {
	return context.WithValue(ctx, ownerKey{}, ownerMark{loop: l})
}

// IsOwner reports whether ctx was handed out by this loop to a task it is
// running on the owner loop.
func (l *Loop) IsOwner(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	m, ok := ctx.Value(ownerKey{}).(ownerMark)
	return ok && m.loop == l
}

// StripOwner returns a context derived from ctx without the owner mark, for
// handing work to another goroutine that must not run inline.
func StripOwner(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithValue(ctx, ownerKey{}, ownerMark{})
}
