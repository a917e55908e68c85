package bundle

import (
	"context"
	"os"
	"strings"

	"github.com/daloraclehub/dalcore/internal/objectstore"
)

// ObjectStoreFetcher resolves a dataset location either from the
// content-addressed object store (location is a prior content identifier)
// or from the local filesystem (location is a file:// path), covering both
// ways a Configuration's Dataset.Location may point.
type ObjectStoreFetcher struct {
	objects objectstore.Client
}

// NewObjectStoreFetcher constructs a fetcher backed by an object store client.
func NewObjectStoreFetcher(objects objectstore.Client) *ObjectStoreFetcher {
	return &ObjectStoreFetcher{objects: objects}
}

// Fetch implements bundle.DatasetFetcher.
func (f *ObjectStoreFetcher) Fetch(location string) ([]byte, error) {
	if path, ok := strings.CutPrefix(location, "file://"); ok {
		return os.ReadFile(path)
	}
	return f.objects.Get(context.Background(), location)
}
