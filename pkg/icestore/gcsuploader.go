package icestore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// GCSUploaderConfig holds configuration specific to the GCS uploader.
type GCSUploaderConfig struct {
	BucketName   string
	ObjectPrefix string
}

// GCSUploader writes batches of ArchivedLog records to Cloud Storage.
type GCSUploader struct {
	client GCSClient
	config GCSUploaderConfig
	logger zerolog.Logger
}

// NewGCSUploader creates a new uploader configured for Google Cloud Storage.
func NewGCSUploader(gcsClient GCSClient, config GCSUploaderConfig, logger zerolog.Logger) (*GCSUploader, error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	if config.BucketName == "" {
		return nil, errors.New("GCS bucket name is required")
	}
	return &GCSUploader{
		client: gcsClient,
		config: config,
		logger: logger.With().Str("component", "GCSUploader").Logger(),
	}, nil
}

// UploadBatch groups records by BatchKey and uploads each group to its own
// object in parallel.
func (u *GCSUploader) UploadBatch(ctx context.Context, records []ArchivedLog) error {
	grouped := make(map[string][]ArchivedLog)
	for _, r := range records {
		key := r.BatchKey()
		grouped[key] = append(grouped[key], r)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result *multierror.Error
	)
	for key, group := range grouped {
		wg.Add(1)
		go func(key string, group []ArchivedLog) {
			defer wg.Done()
			if err := u.uploadGroup(ctx, key, group); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		}(key, group)
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// uploadGroup streams one group through gzip into a single object.
func (u *GCSUploader) uploadGroup(ctx context.Context, key string, group []ArchivedLog) error {
	objectName := path.Join(u.config.ObjectPrefix, key, uuid.NewString()+".jsonl.gz")
	meta := ObjectMeta{
		ContentType: "application/gzip",
		Metadata: map[string]string{
			"guild_id":     group[0].GuildID,
			"record_count": strconv.Itoa(len(group)),
		},
	}
	w := u.client.Bucket(u.config.BucketName).Object(objectName).NewWriter(ctx, meta)

	gz := gzip.NewWriter(w)
	enc := json.NewEncoder(gz)
	var encErr error
	for _, rec := range group {
		if encErr = enc.Encode(rec); encErr != nil {
			break
		}
	}
	gzErr := gz.Close()
	closeErr := w.Close()

	switch {
	case encErr != nil:
		return fmt.Errorf("encode records for %s: %w", objectName, encErr)
	case gzErr != nil:
		return fmt.Errorf("compress records for %s: %w", objectName, gzErr)
	case closeErr != nil:
		return fmt.Errorf("commit GCS object %s: %w", objectName, closeErr)
	}
	u.logger.Info().Str("object_name", objectName).Int("record_count", len(group)).Msg("Uploaded log archive.")
	return nil
}
