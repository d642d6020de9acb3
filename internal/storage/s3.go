// Package storage wraps the S3 bucket that holds uploaded source documents.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/OFFIS-RIT/kiwi/grounding/internal/config"
	s3loader "github.com/OFFIS-RIT/kiwi/grounding/pkg/loader/s3"
)

// ErrNoBucket is returned when S3 is used without AWS_BUCKET.
var ErrNoBucket = errors.New("storage: no bucket configured")

// ObjectAPI is the part of the S3 client the bucket uses.
type ObjectAPI interface {
	s3loader.ObjectGetter
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client creates a client with static credentials and path-style
// addressing so MinIO endpoints work.
func NewS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithBaseEndpoint(cfg.Endpoint))
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	}), nil
}

// Bucket binds an ObjectAPI to one bucket name.
type Bucket struct {
	name   string
	client ObjectAPI
}

// NewBucket returns a Bucket for name.
func NewBucket(name string, client ObjectAPI) *Bucket {
	return &Bucket{name: name, client: client}
}

// Open builds the client from cfg and binds it to cfg.Bucket.
func Open(ctx context.Context, cfg config.S3Config) (*Bucket, error) {
	if !cfg.Enabled() {
		return nil, ErrNoBucket
	}
	client, err := NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewBucket(cfg.Bucket, client), nil
}

// Name returns the bucket name.
func (b *Bucket) Name() string {
	return b.name
}

// Loader returns a GraphFileLoader reading objects from this bucket.
func (b *Bucket) Loader() *s3loader.S3GraphFileLoader {
	return s3loader.NewS3GraphFileLoaderWithClient(b.name, b.client)
}

// PutFile uploads body under prefix/name and returns the object key.
func (b *Bucket) PutFile(ctx context.Context, prefix, name string, body io.ReadSeeker) (string, error) {
	key := ObjectKey(prefix, name)
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.name),
		Key:    aws.String(key),
		Body:   body,
	}
	if mimeType := mime.TypeByExtension(path.Ext(name)); mimeType != "" {
		input.ContentType = aws.String(mimeType)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return "", fmt.Errorf("storage: upload %s: %w", key, err)
	}
	return key, nil
}

// ListFilesWithPrefix returns every object key under prefix, following
// continuation tokens.
func (b *Bucket) ListFilesWithPrefix(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.name),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("storage: list %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if obj.Key == nil || strings.HasSuffix(*obj.Key, "/") {
				continue
			}
			keys = append(keys, *obj.Key)
		}
	}
	return keys, nil
}

// ObjectKey joins prefix and the base name of file with a slash.
func ObjectKey(prefix, file string) string {
	name := path.Base(strings.ReplaceAll(file, "\\", "/"))
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
