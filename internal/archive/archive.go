// Package archive copies the sources of a completed turn to durable storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"sdkforge/internal/logging"
)

// Archiver stores the files written by one generation and returns where
// they went.
type Archiver interface {
	Archive(ctx context.Context, projectID, generationID, root string, paths []string) (string, error)
}

// Nop keeps artifacts in the workspace only. The location is the workspace
// root itself.
type Nop struct{}

func (Nop) Archive(_ context.Context, _, _, root string, _ []string) (string, error) {
	return root, nil
}

// S3Config locates the artifact bucket.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	Prefix    string
	AccessKey string
	SecretKey string
}

// uploader is the part of manager.Uploader the archiver needs.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Archiver uploads generation sources with the S3 upload manager.
type S3Archiver struct {
	bucket string
	prefix string
	up     uploader
	logger *zap.Logger
}

// NewS3Archiver builds an S3 client from the default AWS configuration,
// overridden by any static keys or custom endpoint in cfg.
func NewS3Archiver(ctx context.Context, cfg S3Config, logger *zap.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("artifact bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			// MinIO and other S3-compatible stores need path-style addressing.
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3Archiver(cfg.Bucket, cfg.Prefix, manager.NewUploader(client), logger), nil
}

func newS3Archiver(bucket, prefix string, up uploader, logger *zap.Logger) *S3Archiver {
	return &S3Archiver{
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		up:     up,
		logger: logging.OrNamed(logger, "archive"),
	}
}

// Archive uploads every path (absolute, under root) and returns the
// s3:// location of the generation's folder.
func (a *S3Archiver) Archive(ctx context.Context, projectID, generationID, root string, paths []string) (string, error) {
	base := a.Key(projectID, generationID, "")
	for _, p := range paths {
		rel, err := filepath.Rel(root, p)
		if err != nil || strings.HasPrefix(rel, "..") {
			return "", fmt.Errorf("artifact %s is outside workspace %s", p, root)
		}
		if err := a.uploadFile(ctx, p, a.Key(projectID, generationID, filepath.ToSlash(rel))); err != nil {
			return "", err
		}
	}

	location := fmt.Sprintf("s3://%s/%s", a.bucket, base)
	a.logger.Info("Archived generation",
		zap.String("project_id", projectID),
		zap.String("generation_id", generationID),
		zap.Int("files", len(paths)),
		zap.String("location", location),
	)
	return location, nil
}

func (a *S3Archiver) uploadFile(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	_, err = a.up.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        f,
		ContentType: aws.String(contentType(file)),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Key builds the object key <prefix>/<project>/<generation>/<rel>. An empty
// rel yields the folder key with a trailing slash.
func (a *S3Archiver) Key(projectID, generationID, rel string) string {
	k := path.Join(a.prefix, projectID, generationID, rel)
	if rel == "" {
		k += "/"
	}
	return strings.TrimPrefix(k, "/")
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".dart":
		return "application/dart"
	case ".yaml", ".yml":
		return "application/yaml"
	case ".json":
		return "application/json"
	case ".html":
		return "text/html"
	default:
		return "text/plain"
	}
}
