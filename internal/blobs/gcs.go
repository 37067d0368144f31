package blobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"cloud.google.com/go/storage"

	"github.com/plinthml/plinth/internal/logger"
)

// GCS serves objects from a Google Cloud Storage bucket. Credentials come
// from the ambient environment.
type GCS struct {
	Bucket string
}

var _ Store = (*GCS)(nil)

func (g *GCS) Fetch(ctx context.Context, key, destPath string) error {
	log := logger.FromContext(ctx)
	url := "gs://" + g.Bucket + "/" + key

	client, err := storage.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("blobs: creating GCS client: %w", err)
	}
	defer client.Close()

	log.Info("downloading blob", "source", url, "destination", destPath)
	startedAt := time.Now()

	r, err := client.Bucket(g.Bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("blobs: %s: %w", url, os.ErrNotExist)
		}
		return fmt.Errorf("blobs: opening %s: %w", url, err)
	}
	defer r.Close()

	n, err := writeToFile(r, destPath)
	if err != nil {
		return fmt.Errorf("blobs: downloading %s: %w", url, err)
	}

	log.Info("downloaded blob", "source", url, "bytes", n, "duration", time.Since(startedAt))
	return nil
}
