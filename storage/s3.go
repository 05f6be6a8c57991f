package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/transfermanager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

var _ RemoteStore = (*S3)(nil)

// S3Config configures an S3-compatible bucket as a tarball mirror.
// Endpoint and ForcePathStyle exist for MinIO and other S3-compatible
// object stores, not just AWS itself; RemoteMirrorFromEnv sets both
// together from JHOL_REMOTE_CACHE_ENDPOINT.
type S3Config struct {
	Bucket          string
	Prefix          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// S3 implements RemoteStore against an S3-compatible bucket. Every key
// it's given is one RemoteMirror already turned into "tarball/<hash
// >.tgz" by objectKey; S3 itself knows nothing about store hashes or
// package names.
type S3 struct {
	client   *s3.Client
	uploader *transfermanager.Client
	bucket   string
	prefix   string
}

// NewS3 loads AWS SDK config (region, static credentials if both are
// set, otherwise the default provider chain) and constructs the client
// and transfer-manager uploader the tarball mirror uses for the
// lifetime of one install run.
func NewS3(ctx context.Context, cfg S3Config) (*S3, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	uploader := transfermanager.New(s3Client)

	return &S3{
		client:   s3Client,
		uploader: uploader,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
	}, nil
}

// Stat checks for a tarball object without downloading its body, used
// by a future read-through path to decide whether Get is worth
// calling. A missing key is not an error: exists is simply false.
func (s *S3) Stat(ctx context.Context, key string) (size int64, exists bool, err error) {
	output, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(filepath.Join(s.prefix, key)),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if output.ContentLength == nil {
		return 0, true, nil
	}
	return *output.ContentLength, true, nil
}

// Get streams a tarball object's body down. Callers must Close the
// returned reader; a missing key returns exists=false with a nil
// reader rather than an error.
func (s *S3) Get(ctx context.Context, key string) (r io.ReadCloser, exists bool, err error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(filepath.Join(s.prefix, key)),
	})
	if err != nil {
		var notFound *types.NoSuchKey
		if errors.As(err, &notFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return output.Body, true, nil
}

// Put returns a writer that streams a tarball's bytes up to the
// bucket as they're written, via an io.Pipe feeding the transfer
// manager's own multipart-upload logic. The upload goroutine's error,
// if any, surfaces through the pipe reader so UploadObject's failure
// reaches the caller's w.Close().
func (s *S3) Put(ctx context.Context, key string) (w io.WriteCloser, err error) {
	pr, pw := io.Pipe()

	go func() {
		_, err := s.uploader.UploadObject(ctx, &transfermanager.UploadObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(filepath.Join(s.prefix, key)),
			Body:   pr,
		})
		if err != nil {
			pr.CloseWithError(fmt.Errorf("failed to upload tarball to S3: %w", err))
			return
		}
		pr.Close()
	}()

	return pw, nil
}
