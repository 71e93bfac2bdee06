// ABOUTME: Object storage contract for user uploads and public URL construction
// ABOUTME: Implemented by S3Store (S3-compatible endpoints) and MemoryStore (tests)

package objectstore

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// ErrNotFound is returned when deleting or reading an object that does not exist.
var ErrNotFound = errors.New("object not found")

// Store writes objects to a single bucket and reports their public URLs.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (publicURL string, err error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// PublicURL joins base, bucket and key, escaping each key segment.
// Supabase serves public buckets at <project>/storage/v1/object/public/<bucket>/<key>.
func PublicURL(base, bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.TrimRight(base, "/") + "/" + url.PathEscape(bucket) + "/" + strings.Join(segments, "/")
}
