package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/target/voice-message-api/internal/core"
	"github.com/target/voice-message-api/internal/domain/model"
	apperrors "github.com/target/voice-message-api/internal/errors"
)

var _ core.ObjectStore = (*S3Store)(nil)

// S3Config holds configuration for S3Store.
type S3Config struct {
	Bucket string
	Region string
	// Endpoint overrides the service endpoint (MinIO, LocalStack).
	Endpoint     string
	UsePathStyle bool
	// Static credentials; when empty the default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string
	KeyPrefix       string
	HTTPClient      *http.Client
}

// S3Store stores audio in an S3-compatible bucket.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	prefix    string
}

// NewS3Store creates an S3-backed object store.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.HTTPClient != nil {
		loadOpts = append(loadOpts, config.WithHTTPClient(cfg.HTTPClient))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// Third-party S3 implementations do not all support flexible checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    bucket,
		prefix:    cfg.KeyPrefix,
	}, nil
}

// Bucket returns the bucket this store writes to.
func (s *S3Store) Bucket() string { return s.bucket }

// Upload writes data under a fresh audio key.
func (s *S3Store) Upload(ctx context.Context, data []byte, contentType string) (model.StorageLocation, error) {
	key := NewAudioKey(s.prefix)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		return model.StorageLocation{}, apperrors.Storage(err, "s3 put failed")
	}
	return model.StorageLocation{Bucket: s.bucket, Key: key}, nil
}

// Download reads the object at loc.
func (s *S3Store) Download(ctx context.Context, loc model.StorageLocation) ([]byte, error) {
	if err := validateLocation(loc, s.bucket); err != nil {
		return nil, apperrors.Storage(err, "invalid storage location")
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(loc.Key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, model.ErrObjectNotFound
		}
		return nil, apperrors.Storage(err, "s3 get failed")
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperrors.Storage(err, "s3 read failed")
	}
	return data, nil
}

// Presign checks the object exists and signs a GET URL valid for ttl.
func (s *S3Store) Presign(ctx context.Context, loc model.StorageLocation, ttl time.Duration) (string, error) {
	if err := validateLocation(loc, s.bucket); err != nil {
		return "", apperrors.Storage(err, "invalid storage location")
	}
	if err := validateTTL(ttl); err != nil {
		return "", apperrors.Storage(err, "invalid presign ttl")
	}
	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(loc.Key),
	}); err != nil {
		if isS3NotFound(err) {
			return "", model.ErrObjectNotFound
		}
		return "", apperrors.Storage(err, "s3 head failed")
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(loc.Key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", apperrors.Storage(err, "s3 presign failed")
	}
	return req.URL, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}
