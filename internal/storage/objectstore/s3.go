package objectstore

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Store keeps objects in an S3 (or S3-compatible) bucket under a prefix
type S3Store struct {
	client       *s3.Client
	bucket       string
	prefix       string
	unsafeRename bool
}

var _ Store = (*S3Store)(nil)

// NewS3Store creates a store over bucket/prefix using static credentials from opts
func NewS3Store(_ context.Context, bucket, prefix string, opts Options) (*S3Store, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 location requires a bucket")
	}

	region := opts[OptionAWSRegion]
	if region == "" {
		region = "us-east-1"
	}

	s3Opts := s3.Options{
		Region:       region,
		UsePathStyle: opts.Bool(OptionAWSPathStyle),
	}
	if key := opts[OptionAWSAccessKeyID]; key != "" {
		s3Opts.Credentials = credentials.NewStaticCredentialsProvider(
			key, opts[OptionAWSSecretAccessKey], opts[OptionAWSSessionToken],
		)
	}
	if endpoint := opts[OptionAWSEndpoint]; endpoint != "" {
		s3Opts.BaseEndpoint = aws.String(endpoint)
	}

	return &S3Store{
		client:       s3.New(s3Opts),
		bucket:       bucket,
		prefix:       prefix,
		unsafeRename: opts.Bool(OptionAllowUnsafeRename),
	}, nil
}

func (s *S3Store) Location() string {
	return "s3://" + joinKey(s.bucket, s.prefix)
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinKey(s.prefix, key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("s3 get %q: %w", key, err)
	}
	defer out.Body.Close()
	return io.ReadAll(out.Body)
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinKey(s.prefix, key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("s3 put %q: %w", key, err)
	}
	return nil
}

// PutIfAbsent uses a conditional write unless unsafe rename is allowed,
// in which case it falls back to head-then-put.
func (s *S3Store) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	if s.unsafeRename {
		if _, err := s.Stat(ctx, key); err == nil {
			return ErrExist
		} else if !stderrors.Is(err, ErrNotExist) {
			return err
		}
		return s.Put(ctx, key, data)
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(joinKey(s.prefix, key)),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if s3Status(err) == http.StatusPreconditionFailed || s3Status(err) == http.StatusConflict {
			return ErrExist
		}
		return fmt.Errorf("s3 conditional put %q: %w", key, err)
	}
	return nil
}

func (s *S3Store) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(joinKey(s.prefix, key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return ObjectInfo{}, ErrNotExist
		}
		return ObjectInfo{}, fmt.Errorf("s3 head %q: %w", key, err)
	}
	info := ObjectInfo{Key: key, Size: aws.ToInt64(out.ContentLength)}
	if out.LastModified != nil {
		info.LastModified = *out.LastModified
	}
	return info, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(joinKey(s.prefix, prefix)),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			info := ObjectInfo{
				Key:  trimKey(s.prefix, aws.ToString(obj.Key)),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *S3Store) DeletePrefix(ctx context.Context, prefix string) error {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(joinKey(s.prefix, obj.Key)),
		})
		if err != nil && !isS3NotFound(err) {
			return fmt.Errorf("s3 delete %q: %w", obj.Key, err)
		}
	}
	return nil
}

func (s *S3Store) Close() error { return nil }

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if stderrors.As(err, &noSuchKey) || stderrors.As(err, &notFound) {
		return true
	}
	return s3Status(err) == http.StatusNotFound
}

func s3Status(err error) int {
	var respErr *awshttp.ResponseError
	if stderrors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	return 0
}
