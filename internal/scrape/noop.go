package scrape

import "context"

// NoopBlobStore discards payloads. Useful when running without an
// archive bucket configured.
type NoopBlobStore struct{}

// PutObject discards the data and returns an empty URI.
func (NoopBlobStore) PutObject(_ context.Context, _ string, _ string, _ []byte) (string, error) {
	return "", nil
}
