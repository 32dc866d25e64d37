package publisher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"
	"github.com/ternarybob/geosafe/internal/common"
)

// objectStore holds published files under slash-separated keys
type objectStore interface {
	// Put copies the local file to key and returns the stored location
	Put(ctx context.Context, key, localPath string) (string, error)
	// Remove deletes a stored location. Missing objects are not an error.
	Remove(ctx context.Context, location string) error
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// fileStore keeps published files in a managed directory
type fileStore struct {
	root string
}

func newFileStore(root string) (*fileStore, error) {
	if root == "" {
		return nil, errors.New("publisher directory is required for the filesystem backend")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create publisher directory: %w", err)
	}
	return &fileStore{root: abs}, nil
}

func (s *fileStore) Put(ctx context.Context, key, localPath string) (string, error) {
	dst := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(dst, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes the publisher directory", key)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return "", err
	}
	if err := common.CopyFile(localPath, dst); err != nil {
		return "", fmt.Errorf("failed to copy %s: %w", filepath.Base(localPath), err)
	}
	return dst, nil
}

func (s *fileStore) Remove(ctx context.Context, location string) error {
	if !strings.HasPrefix(location, s.root+string(filepath.Separator)) {
		return fmt.Errorf("%s is not managed by this publisher", location)
	}
	if err := os.Remove(location); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	// Drop the per-layer directory once it is empty
	if dir := filepath.Dir(location); dir != s.root {
		_ = os.Remove(dir)
	}
	return nil
}

func (s *fileStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	if !strings.HasPrefix(location, s.root+string(filepath.Separator)) {
		return nil, fmt.Errorf("%s is not managed by this publisher", location)
	}
	return os.Open(location)
}

// s3API is the subset of the S3 client used for publishing
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// bucketStore publishes files as S3 objects
type bucketStore struct {
	client s3API
	bucket string
	prefix string
}

func newBucketStore(ctx context.Context, cfg common.PublisherConfig) (*bucketStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("publisher bucket is required for the s3 backend")
	}
	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &bucketStore{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (s *bucketStore) keyFor(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *bucketStore) Put(ctx context.Context, key, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(localPath); err == nil {
		contentType = mt.String()
	}

	objectKey := s.keyFor(key)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        f,
		ACL:         types.ObjectCannedACLPrivate,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", objectKey, err)
	}
	return "s3://" + s.bucket + "/" + objectKey, nil
}

func (s *bucketStore) Remove(ctx context.Context, location string) error {
	bucket, key, ok := splitS3Location(location)
	if !ok || bucket != s.bucket {
		return fmt.Errorf("%s is not managed by this publisher", location)
	}
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err
}

func (s *bucketStore) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	bucket, key, ok := splitS3Location(location)
	if !ok || bucket != s.bucket {
		return nil, fmt.Errorf("%s is not managed by this publisher", location)
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to download %s: %w", key, err)
	}
	return out.Body, nil
}

func splitS3Location(location string) (bucket, key string, ok bool) {
	rest, found := strings.CutPrefix(location, "s3://")
	if !found {
		return "", "", false
	}
	bucket, key, ok = strings.Cut(rest, "/")
	return bucket, key, ok && key != ""
}
