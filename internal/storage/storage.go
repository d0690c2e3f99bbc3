package storage

import (
	"context"
	"io"
)

// URLType selects the expiry class for a signed URL.
type URLType int

const (
	// URLTypeSession URLs live as long as an editing session may.
	URLTypeSession URLType = iota
	// URLTypeTemporary URLs cover one-shot conversion downloads.
	URLTypeTemporary
)

// Gateway is the document cache contract. Keys are slash-separated prefixes;
// a document or save episode owns everything under its prefix.
type Gateway interface {
	// Get reads one object.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetReader streams one object; the caller closes it.
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)
	// Put writes one object, creating parents as needed.
	Put(ctx context.Context, key string, reader io.Reader) error
	// Copy duplicates a single object.
	Copy(ctx context.Context, srcKey, dstKey string) error
	// CopyPath duplicates every object under srcPrefix to dstPrefix.
	CopyPath(ctx context.Context, srcPrefix, dstPrefix string) error
	// List returns the keys under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes one object, pruning parents left empty.
	Delete(ctx context.Context, key string) error
	// DeletePath removes everything under prefix.
	DeletePath(ctx context.Context, prefix string) error
	// SignedURL issues a download URL for key served from baseURL. The
	// optional filename overrides the user-visible name.
	SignedURL(baseURL, key string, urlType URLType, filename string) (string, error)
}
