package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/stackpod/nodepack/pkg/nodepack/cache"
)

const (
	// defaultS3PartSize is the part size for S3 multipart operations.
	defaultS3PartSize = 5 * 1024 * 1024
	// defaultRateLimit is the rate limit for S3 API calls (requests per second).
	defaultRateLimit = 100
	// defaultBurstLimit is the burst limit for S3 API calls.
	defaultBurstLimit = 200
)

// S3Cache mirrors the cache archive directory in an S3 bucket.
type S3Cache struct {
	storage     cache.ObjectStorage
	rateLimiter *rate.Limiter
}

// NewS3Cache creates a new S3-backed remote cache.
func NewS3Cache(cfg *cache.Config) (*S3Cache, error) {
	if cfg.BucketName == "" {
		return nil, fmt.Errorf("bucket name is required")
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, fmt.Errorf("cannot load AWS config: %w", err)
	}
	if cfg.Region != "" {
		awsCfg.Region = cfg.Region
	}

	return &S3Cache{
		storage:     NewS3Storage(cfg.BucketName, &awsCfg),
		rateLimiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurstLimit),
	}, nil
}

// Download fetches the named archives into dest. Misses and transfer errors
// are logged and skipped: the remote layer is best effort and the build falls
// back to doing the work locally.
func (s *S3Cache) Download(ctx context.Context, dest string, names []string) error {
	present := make([]bool, len(names))
	eg, probeCtx := errgroup.WithContext(ctx)
	for i, name := range names {
		i, name := i, name
		eg.Go(func() error {
			if err := s.rateLimiter.Wait(probeCtx); err != nil {
				return err
			}
			exists, err := s.storage.HasObject(probeCtx, name)
			if err != nil {
				log.WithError(err).WithField("key", name).Debug("cannot probe remote cache object")
				return nil
			}
			present[i] = exists
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, name := range names {
		if !present[i] {
			continue
		}
		if err := s.rateLimiter.Wait(ctx); err != nil {
			return err
		}

		localPath := filepath.Join(dest, name)
		tmp := localPath + ".remote"
		if _, err := s.storage.GetObject(ctx, name, tmp); err != nil {
			log.WithError(err).WithField("key", name).Warn("cannot download cache archive - continuing without")
			os.Remove(tmp)
			continue
		}
		if err := os.Rename(tmp, localPath); err != nil {
			os.Remove(tmp)
			return err
		}
		log.WithField("key", name).Debug("downloaded cache archive")
	}
	return nil
}

// Upload pushes the named archives from source. Upload failures never fail
// the build.
func (s *S3Cache) Upload(ctx context.Context, source string, names []string) error {
	for _, name := range names {
		localPath := filepath.Join(source, name)
		if _, err := os.Stat(localPath); err != nil {
			continue
		}
		if err := s.rateLimiter.Wait(ctx); err != nil {
			return err
		}
		if err := s.storage.UploadObject(ctx, name, localPath); err != nil {
			log.WithError(err).WithField("key", name).Warn("cannot upload cache archive - continuing")
		}
	}
	return nil
}

// S3Storage implements cache.ObjectStorage using the AWS SDK.
type S3Storage struct {
	client     *s3.Client
	bucketName string
}

// NewS3Storage creates an S3 object storage over the given bucket.
func NewS3Storage(bucketName string, cfg *aws.Config) *S3Storage {
	client := s3.NewFromConfig(*cfg, func(o *s3.Options) {
		o.DisableLogOutputChecksumValidationSkipped = true
	})
	return &S3Storage{
		client:     client,
		bucketName: bucketName,
	}
}

// HasObject implements cache.ObjectStorage.
func (s *S3Storage) HasObject(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return false, nil
		}
		// HeadObject 404s are not always wrapped as NoSuchKey
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "404") {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetObject implements cache.ObjectStorage.
func (s *S3Storage) GetObject(ctx context.Context, key string, dest string) (int64, error) {
	downloader := manager.NewDownloader(s.client, func(d *manager.Downloader) {
		d.PartSize = defaultS3PartSize
	})

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("cannot create parent directory: %w", err)
	}

	file, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("cannot create destination file: %w", err)
	}
	defer func() { _ = file.Close() }()

	n, err := downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil {
		_ = os.Remove(dest)
		return 0, fmt.Errorf("cannot download object: %w", err)
	}
	if n == 0 {
		_ = os.Remove(dest)
		return 0, fmt.Errorf("downloaded object %s is empty", key)
	}
	return n, nil
}

// UploadObject implements cache.ObjectStorage.
func (s *S3Storage) UploadObject(ctx context.Context, key string, src string) error {
	file, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("cannot open source file: %w", err)
	}
	defer func() { _ = file.Close() }()

	uploader := manager.NewUploader(s.client, func(u *manager.Uploader) {
		u.PartSize = defaultS3PartSize
	})

	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "Forbidden" {
			log.WithError(err).Warnf("permission denied while uploading %s - continuing", key)
			return nil
		}
		return fmt.Errorf("cannot upload object: %w", err)
	}
	return nil
}
