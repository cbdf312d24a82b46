package cache

import "context"

// HandleCache is a fast lookaside for resolved attachment handles, keyed the
// same way as the persistent handle table ("url:…" / "sha256:…").
type HandleCache interface {
	Get(ctx context.Context, key string) (mediaID string, ok bool, err error)
	Put(ctx context.Context, key, mediaID string) error
}
