// Package archive uploads snow mask rasters to S3.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/chrissnell/snowpatch/internal/metrics"
)

// ErrNoBucket is returned by New when no bucket is configured
var ErrNoBucket = errors.New("archive bucket not configured")

// Config holds S3 archive settings
type Config struct {
	Bucket string
	Region string
	Prefix string
	// Endpoint overrides the S3 endpoint, for S3 compatible stores
	Endpoint string
}

// PutObjectAPI is the part of the S3 client the archiver uses
type PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver stores mask files under {prefix}/{aoi}/{YYYY}/{MM}/{file}
type S3Archiver struct {
	client  PutObjectAPI
	bucket  string
	prefix  string
	logger  *zap.SugaredLogger
	metrics *metrics.Collector
}

// New builds an archiver from the default AWS credential chain
func New(ctx context.Context, cfg Config, logger *zap.SugaredLogger, m *metrics.Collector) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg, logger, m), nil
}

// NewWithClient builds an archiver around an existing client
func NewWithClient(client PutObjectAPI, cfg Config, logger *zap.SugaredLogger, m *metrics.Collector) *S3Archiver {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &S3Archiver{
		client:  client,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		logger:  logger,
		metrics: m,
	}
}

// Key returns the object key for a mask file
func (a *S3Archiver) Key(localPath, aoiDir string, acquired time.Time) string {
	acquired = acquired.UTC()
	return path.Join(a.prefix, aoiDir,
		fmt.Sprintf("%04d", acquired.Year()),
		fmt.Sprintf("%02d", int(acquired.Month())),
		filepath.Base(localPath))
}

// Archive uploads the file at localPath
func (a *S3Archiver) Archive(ctx context.Context, localPath, aoiDir string, acquired time.Time) error {
	f, err := os.Open(localPath)
	if err != nil {
		a.metrics.RecordArchiveUpload("failed")
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		a.metrics.RecordArchiveUpload("failed")
		return err
	}

	key := a.Key(localPath, aoiDir, acquired)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("image/tiff"),
	})
	if err != nil {
		a.metrics.RecordArchiveUpload("failed")
		return fmt.Errorf("uploading s3://%s/%s: %w", a.bucket, key, err)
	}

	a.metrics.RecordArchiveUpload("success")
	a.logger.Debugw("mask archived", "bucket", a.bucket, "key", key, "bytes", info.Size())
	return nil
}
