package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

type AttachmentKind string

const (
	AttachmentNone      AttachmentKind = "none"
	AttachmentPermanent AttachmentKind = "permanent"
	AttachmentURL       AttachmentKind = "url"
	AttachmentBytes     AttachmentKind = "bytes"
)

// AttachmentRef is a tagged reference to attachment content. The kind is
// decided exactly once, at ingestion; downstream code switches on Kind and
// never re-inspects string shape.
type AttachmentRef struct {
	Kind  AttachmentKind
	Value string // permanent media id, or source URL

	// Data/ContentType are set only for Kind == AttachmentBytes.
	Data        []byte
	ContentType string
}

func (r AttachmentRef) IsZero() bool {
	return r.Kind == "" || r.Kind == AttachmentNone
}

var permanentIDShape = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ParseAttachmentRef classifies a raw string reference. URLs (http, https, s3)
// become AttachmentURL; an opaque alphanumeric token without a scheme is an
// already-permanent gateway media id. Raw bytes never arrive through here.
func ParseAttachmentRef(raw string) (AttachmentRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return AttachmentRef{Kind: AttachmentNone}, nil
	}
	if i := strings.Index(raw, "://"); i > 0 {
		switch strings.ToLower(raw[:i]) {
		case "http", "https", "s3":
			return AttachmentRef{Kind: AttachmentURL, Value: raw}, nil
		default:
			return AttachmentRef{}, fmt.Errorf("unsupported attachment url scheme %q", raw[:i])
		}
	}
	if permanentIDShape.MatchString(raw) {
		return AttachmentRef{Kind: AttachmentPermanent, Value: raw}, nil
	}
	return AttachmentRef{}, fmt.Errorf("unrecognized attachment reference %q", raw)
}

// AttachmentHandle maps a cache key to a permanent gateway media id.
// Rows are immutable once written.
type AttachmentHandle struct {
	CacheKey    string
	MediaID     string
	ContentHash string
	CreatedAt   time.Time
}

// Cache keys are namespaced so a URL and a content hash can never collide.

func URLCacheKey(url string) string { return "url:" + url }

func HashCacheKey(hexDigest string) string { return "sha256:" + hexDigest }
