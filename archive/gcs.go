package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"recipecheck/types"
)

// GCSArchive writes reports to a Cloud Storage bucket only if the object
// does not exist yet.
type GCSArchive struct {
	client *storage.Client
	bucket *storage.BucketHandle
	name   string
	prefix string
}

func NewGCSArchive(ctx context.Context, bucket, prefix string) (*GCSArchive, error) {
	if bucket == "" {
		return nil, errors.New("gcs archive bucket must be provided")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage.NewClient: %w", err)
	}
	return &GCSArchive{client: client, bucket: client.Bucket(bucket), name: bucket, prefix: prefix}, nil
}

func (a *GCSArchive) Archive(ctx context.Context, rec types.StoredOrder) error {
	body, err := encode(rec)
	if err != nil {
		return fmt.Errorf("encode order %d: %w", rec.ID, err)
	}
	objectName := ObjectKey(a.prefix, rec.ID)

	writer := a.bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(body); err != nil {
		_ = writer.Close()
		if isObjectExists(err) {
			return nil
		}
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := writer.Close(); err != nil {
		if isObjectExists(err) {
			slog.Info("Archive object already exists", "bucket", a.name, "object", objectName)
			return nil
		}
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func (a *GCSArchive) Close() error {
	return a.client.Close()
}

// isObjectExists reports the 412 returned when DoesNotExist is violated.
func isObjectExists(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
