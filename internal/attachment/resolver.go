package attachment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dkim-labs/messaging-dispatch/internal/cache"
	"github.com/dkim-labs/messaging-dispatch/internal/model"
	"github.com/dkim-labs/messaging-dispatch/internal/repo"
)

// Uploader pushes attachment bytes to the gateway, returning a permanent
// media id.
type Uploader interface {
	UploadMedia(ctx context.Context, data []byte, contentType string) (string, error)
}

// Fetcher reads attachment bytes from an object-storage source.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (data []byte, contentType string, err error)
}

// Resolver converts any attachment reference into a permanent gateway media
// id, caching resolutions so identical content is uploaded at most once.
type Resolver struct {
	handles  repo.AttachmentRepository
	cache    cache.HandleCache
	uploader Uploader
	fetchers map[string]Fetcher
	log      zerolog.Logger
}

func NewResolver(handles repo.AttachmentRepository, handleCache cache.HandleCache, uploader Uploader, log zerolog.Logger) *Resolver {
	if handleCache == nil {
		handleCache = cache.Noop{}
	}
	return &Resolver{
		handles:  handles,
		cache:    handleCache,
		uploader: uploader,
		fetchers: make(map[string]Fetcher),
		log:      log,
	}
}

// RegisterFetcher installs the fetcher for a URL scheme ("http" covers https).
func (r *Resolver) RegisterFetcher(scheme string, f Fetcher) *Resolver {
	r.fetchers[scheme] = f
	return r
}

// Resolve returns the permanent media id for ref. A permanent ref passes
// through with zero network calls; a zero ref resolves to "".
func (r *Resolver) Resolve(ctx context.Context, ref model.AttachmentRef) (string, error) {
	switch ref.Kind {
	case model.AttachmentNone, "":
		return "", nil
	case model.AttachmentPermanent:
		return ref.Value, nil
	case model.AttachmentBytes:
		return r.resolveBytes(ctx, ref.Data, ref.ContentType, nil)
	case model.AttachmentURL:
		return r.resolveURL(ctx, ref.Value)
	default:
		return "", fmt.Errorf("%w: unknown attachment kind %q", model.ErrAttachmentUnavailable, ref.Kind)
	}
}

func (r *Resolver) resolveURL(ctx context.Context, rawURL string) (string, error) {
	urlKey := model.URLCacheKey(rawURL)
	if id, ok, err := r.lookup(ctx, urlKey); err != nil {
		return "", err
	} else if ok {
		return id, nil
	}

	fetcher, err := r.fetcherFor(rawURL)
	if err != nil {
		return "", err
	}

	data, contentType, err := fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return "", fmt.Errorf("%w: fetch %s: %v", model.ErrAttachmentUnavailable, rawURL, err)
	}

	return r.resolveBytes(ctx, data, contentType, []string{urlKey})
}

// resolveBytes hashes content, reuses any handle already covering that hash,
// and uploads otherwise. extraKeys (e.g. the source URL key) are persisted
// alongside the hash key so later lookups skip the fetch entirely.
func (r *Resolver) resolveBytes(ctx context.Context, data []byte, contentType string, extraKeys []string) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	hashKey := model.HashCacheKey(digest)

	if id, ok, err := r.lookup(ctx, hashKey); err != nil {
		return "", err
	} else if ok {
		return r.saveKeys(ctx, append(extraKeys, hashKey), id, digest)
	}

	mediaID, err := r.uploader.UploadMedia(ctx, data, contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrAttachmentRejected, err)
	}

	r.log.Info().
		Str("media_id", mediaID).
		Str("content_hash", digest).
		Int("bytes", len(data)).
		Msg("attachment uploaded")

	return r.saveKeys(ctx, append(extraKeys, hashKey), mediaID, digest)
}

// saveKeys persists the handle rows; the store resolves concurrent writers to
// a single winning media id, which is what gets returned and cached.
func (r *Resolver) saveKeys(ctx context.Context, keys []string, mediaID, digest string) (string, error) {
	winner, err := r.handles.SaveHandle(ctx, keys, mediaID, digest)
	if err != nil {
		return "", fmt.Errorf("%w: persist handle: %v", model.ErrAttachmentUnavailable, err)
	}
	for _, key := range keys {
		if err := r.cache.Put(ctx, key, winner); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("handle cache write failed")
		}
	}
	return winner, nil
}

func (r *Resolver) lookup(ctx context.Context, key string) (string, bool, error) {
	if id, ok, err := r.cache.Get(ctx, key); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("handle cache read failed")
	} else if ok {
		return id, true, nil
	}

	id, ok, err := r.handles.LookupHandle(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("%w: lookup handle: %v", model.ErrAttachmentUnavailable, err)
	}
	if ok {
		if err := r.cache.Put(ctx, key, id); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("handle cache backfill failed")
		}
	}
	return id, ok, nil
}

func (r *Resolver) fetcherFor(rawURL string) (Fetcher, error) {
	scheme := ""
	if i := strings.Index(rawURL, "://"); i > 0 {
		scheme = strings.ToLower(rawURL[:i])
	}
	if scheme == "https" {
		scheme = "http"
	}
	f, ok := r.fetchers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no fetcher for scheme %q", model.ErrAttachmentUnavailable, scheme)
	}
	return f, nil
}
