package reliability

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// ObjectStore wraps an S3-compatible bucket used for offsite backup copies.
type ObjectStore struct {
	client *s3.Client
	bucket string
	log    zerolog.Logger
}

// NewObjectStore connects to an S3-compatible endpoint with static
// credentials. Works against AWS S3, Cloudflare R2 and MinIO.
func NewObjectStore(endpoint, accessKeyID, secretAccessKey, bucket string, log zerolog.Logger) (*ObjectStore, error) {
	if endpoint == "" || accessKeyID == "" || secretAccessKey == "" || bucket == "" {
		return nil, fmt.Errorf("object store requires endpoint, credentials and bucket")
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load object store config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	return &ObjectStore{
		client: client,
		bucket: bucket,
		log:    log.With().Str("client", "object_store").Logger(),
	}, nil
}

// Upload stores a local file under the given key.
func (c *ObjectStore) Upload(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	checksum, err := fileChecksum(path)
	if err != nil {
		return fmt.Errorf("failed to checksum %s: %w", path, err)
	}

	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		Metadata:      map[string]string{"checksum": checksum},
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}

	c.log.Info().
		Str("key", key).
		Int64("size_bytes", info.Size()).
		Msg("Uploaded object")
	return nil
}

// List returns the keys under the given prefix with their sizes.
func (c *ObjectStore) List(ctx context.Context, prefix string) (map[string]int64, error) {
	objects := make(map[string]int64)
	paginator := s3.NewListObjectsV2Paginator(c.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list objects: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil {
				continue
			}
			var size int64
			if obj.Size != nil {
				size = *obj.Size
			}
			objects[*obj.Key] = size
		}
	}
	return objects, nil
}

// Delete removes an object by key.
func (c *ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// RemoteBackupService uploads local backups offsite and rotates old copies.
type RemoteBackupService struct {
	store  *ObjectStore
	backup *BackupService
	log    zerolog.Logger
}

// NewRemoteBackupService creates the offsite backup service.
func NewRemoteBackupService(store *ObjectStore, backup *BackupService, log zerolog.Logger) *RemoteBackupService {
	return &RemoteBackupService{
		store:  store,
		backup: backup,
		log:    log.With().Str("service", "remote_backup").Logger(),
	}
}

// CreateAndUpload takes a fresh local backup, uploads it under its own
// filename, then rotates remote copies.
func (s *RemoteBackupService) CreateAndUpload(ctx context.Context, retentionDays int) error {
	start := time.Now()

	path, err := s.backup.Create()
	if err != nil {
		return fmt.Errorf("failed to create local backup for upload: %w", err)
	}

	key := filepath.Base(path)
	if err := s.store.Upload(ctx, key, path); err != nil {
		return fmt.Errorf("failed to upload backup: %w", err)
	}

	if err := s.Rotate(ctx, retentionDays); err != nil {
		s.log.Error().Err(err).Msg("Remote backup rotation failed")
	}

	s.log.Info().
		Str("key", key).
		Dur("duration_ms", time.Since(start)).
		Msg("Remote backup completed")
	return nil
}

// Rotate deletes remote backups past the retention window, always keeping
// the newest few copies.
func (s *RemoteBackupService) Rotate(ctx context.Context, retentionDays int) error {
	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return err
	}

	type remoteBackup struct {
		key string
		ts  time.Time
	}
	backups := make([]remoteBackup, 0, len(objects))
	for key := range objects {
		ts, ok := parseBackupTimestamp(key)
		if !ok {
			s.log.Warn().Str("key", key).Msg("Skipping object with unparseable timestamp")
			continue
		}
		backups = append(backups, remoteBackup{key: key, ts: ts})
	}
	if len(backups) <= minBackupsToKeep {
		return nil
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].ts.After(backups[j].ts) })

	var cutoff time.Time
	if retentionDays > 0 {
		cutoff = time.Now().AddDate(0, 0, -retentionDays)
	}

	deleted := 0
	for i, b := range backups {
		if i < minBackupsToKeep {
			continue
		}
		if retentionDays == 0 || !b.ts.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, b.key); err != nil {
			s.log.Error().Err(err).Str("key", b.key).Msg("Failed to delete remote backup")
			continue
		}
		s.log.Info().Str("key", b.key).Msg("Deleted old remote backup")
		deleted++
	}

	s.log.Debug().
		Int("deleted", deleted).
		Int("remaining", len(backups)-deleted).
		Msg("Remote backup rotation completed")
	return nil
}
