// Package reliability backs the history database up to S3-compatible object
// storage (Cloudflare R2 or AWS S3).
package reliability

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/aristath/coordinator/internal/config"
	"github.com/aristath/coordinator/internal/database"
)

// keyTimeFormat names backup objects by UTC upload time.
const keyTimeFormat = "20060102T150405Z"

// BackupService uploads checkpointed database files.
type BackupService struct {
	cfg      config.BackupConfig
	db       *database.DB
	uploader *manager.Uploader
	log      zerolog.Logger
}

// NewBackupService builds the S3 client from the backup configuration. A
// custom endpoint targets R2; without one the SDK talks to AWS directly.
func NewBackupService(cfg config.BackupConfig, db *database.DB, log zerolog.Logger) (*BackupService, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("backup: bucket is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("backup: access and secret keys are required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		awsconfig.WithRegion("auto"),
	)
	if err != nil {
		return nil, fmt.Errorf("backup: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return &BackupService{
		cfg:      cfg,
		db:       db,
		uploader: manager.NewUploader(client),
		log:      log.With().Str("component", "backup_service").Logger(),
	}, nil
}

// Backup checkpoints the WAL so the main file is self-contained, then uploads
// it under a timestamped key. Returns the object key.
func (b *BackupService) Backup(ctx context.Context) (string, error) {
	if err := b.db.WALCheckpoint("TRUNCATE"); err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}

	f, err := os.Open(b.db.Path())
	if err != nil {
		return "", fmt.Errorf("backup: open database file: %w", err)
	}
	defer f.Close()

	key := fmt.Sprintf("%s/%s-%s.db", b.db.Name(), b.db.Name(), time.Now().UTC().Format(keyTimeFormat))
	start := time.Now()

	if _, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.cfg.Bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		return "", fmt.Errorf("backup: upload %s: %w", key, err)
	}

	b.log.Info().
		Str("bucket", b.cfg.Bucket).
		Str("key", key).
		Dur("took", time.Since(start)).
		Msg("Database backup uploaded")
	return key, nil
}
