package blob

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Open builds a store from a URL:
//
//	file:///var/tavren/archive  (or a bare path)
//	s3://bucket/prefix?region=us-west-2&endpoint=http://localhost:9000
//	gs://bucket/prefix
//
// The path after the bucket becomes the object key prefix.
func Open(ctx context.Context, rawURL string) (Store, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("blob: empty store URL")
	}
	if !strings.Contains(rawURL, "://") {
		return NewFSStore(rawURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("blob: parsing store URL: %w", err)
	}

	switch u.Scheme {
	case "file":
		return NewFSStore(u.Path)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:   u.Host,
			Region:   u.Query().Get("region"),
			Endpoint: u.Query().Get("endpoint"),
			Prefix:   keyPrefix(u.Path),
		})
	case "gs":
		return NewGCSStore(ctx, GCSConfig{
			Bucket: u.Host,
			Prefix: keyPrefix(u.Path),
		})
	default:
		return nil, fmt.Errorf("blob: unsupported store scheme %q", u.Scheme)
	}
}

// keyPrefix turns a URL path into an object key prefix ending in "/".
func keyPrefix(path string) string {
	p := strings.Trim(path, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}
