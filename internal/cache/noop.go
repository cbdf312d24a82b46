package cache

import "context"

// Noop satisfies HandleCache when Redis is disabled; every lookup misses and
// the resolver falls through to the persistent handle table.
type Noop struct{}

func (Noop) Get(context.Context, string) (string, bool, error) { return "", false, nil }

func (Noop) Put(context.Context, string, string) error { return nil }
