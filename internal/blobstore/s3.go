package blobstore

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/orbitx-agent/taskengine/internal/config"
)

// S3Store is a BlobStore backed by AWS S3 (or an S3-compatible service such
// as MinIO), adapted from the teacher's internal/objectstore.S3Store:
// same client construction (static or default credential chain, optional
// custom endpoint and path-style addressing for MinIO), generalized from
// caller-chosen keys to content digests, with refcounts tracked as a small
// per-digest counter object under a reserved "refs/" prefix rather than
// the teacher's unconditional-write semantics.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Store constructs an S3Store from the engine's blob-store config.
func NewS3Store(ctx context.Context, cfg config.Config) (*S3Store, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("blobstore: s3 bucket is required")
	}

	awsOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		awsOpts = append(awsOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		))
	}
	if cfg.S3Endpoint != "" {
		awsOpts = append(awsOpts, awsconfig.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: &tls.Config{}},
		}))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.S3Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		})
	}
	if cfg.S3UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &S3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.S3Bucket,
		prefix: strings.TrimSuffix(cfg.S3Prefix, "/"),
	}, nil
}

func (s *S3Store) blobKey(digest string) string {
	return s.withPrefix("blobs/" + digest[:2] + "/" + digest)
}

func (s *S3Store) refKey(digest string) string {
	return s.withPrefix("refs/" + digest)
}

func (s *S3Store) withPrefix(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *S3Store) getRefCount(ctx context.Context, digest string) (int, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket), Key: aws.String(s.refKey(digest)),
	})
	if err != nil {
		if isNotFoundErr(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("blobstore: s3 get refcount: %w", err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("blobstore: corrupt refcount for %s: %w", digest, err)
	}
	return n, nil
}

func (s *S3Store) putRefCount(ctx context.Context, digest string, n int) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.refKey(digest)),
		Body:   strings.NewReader(strconv.Itoa(n)),
	})
	if err != nil {
		return fmt.Errorf("blobstore: s3 put refcount: %w", err)
	}
	return nil
}

func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	digest := Digest(data)

	count, err := s.getRefCount(ctx, digest)
	if err != nil {
		return "", err
	}
	if count == 0 {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.blobKey(digest)),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			return "", fmt.Errorf("blobstore: s3 put: %w", err)
		}
	}
	if err := s.putRefCount(ctx, digest, count+1); err != nil {
		return "", err
	}
	return digest, nil
}

func (s *S3Store) Get(ctx context.Context, digest string) (io.ReadCloser, error) {
	count, err := s.getRefCount(ctx, digest)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, ErrNotFound
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket), Key: aws.String(s.blobKey(digest)),
	})
	if err != nil {
		if isNotFoundErr(err) {
			return nil, ErrNotFound
		}
		if isAccessDeniedErr(err) {
			return nil, ErrAccessDenied
		}
		return nil, fmt.Errorf("blobstore: s3 get: %w", err)
	}
	return out.Body, nil
}

func (s *S3Store) Retain(ctx context.Context, digest string) error {
	count, err := s.getRefCount(ctx, digest)
	if err != nil {
		return err
	}
	if count <= 0 {
		return ErrNotFound
	}
	return s.putRefCount(ctx, digest, count+1)
}

func (s *S3Store) Release(ctx context.Context, digest string) error {
	count, err := s.getRefCount(ctx, digest)
	if err != nil {
		return err
	}
	if count <= 0 {
		return nil
	}
	count--
	if count <= 0 {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket), Key: aws.String(s.blobKey(digest)),
		})
		if err != nil && !isNotFoundErr(err) {
			return fmt.Errorf("blobstore: s3 delete: %w", err)
		}
		_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket), Key: aws.String(s.refKey(digest)),
		})
		if err != nil && !isNotFoundErr(err) {
			return fmt.Errorf("blobstore: s3 delete refcount: %w", err)
		}
		return nil
	}
	return s.putRefCount(ctx, digest, count)
}

func (s *S3Store) RefCount(ctx context.Context, digest string) (int, error) {
	return s.getRefCount(ctx, digest)
}

func isNotFoundErr(err error) bool {
	var notFound *s3types.NotFound
	var noSuchKey *s3types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey) ||
		strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "NoSuchKey")
}

func isAccessDeniedErr(err error) bool {
	return strings.Contains(err.Error(), "AccessDenied") || strings.Contains(err.Error(), "Forbidden")
}

var _ BlobStore = (*S3Store)(nil)
