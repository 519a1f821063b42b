package objectstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore keeps objects in a Google Cloud Storage bucket under a prefix
type GCSStore struct {
	client       *storage.Client
	bucket       string
	prefix       string
	unsafeRename bool
}

var _ Store = (*GCSStore)(nil)

// NewGCSStore creates a store over bucket/prefix. Without a service account
// path the client falls back to application default credentials.
func NewGCSStore(ctx context.Context, bucket, prefix string, opts Options) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gs location requires a bucket")
	}

	var clientOpts []option.ClientOption
	if path := opts[OptionGoogleServiceAccountPath]; path != "" {
		clientOpts = append(clientOpts, option.WithAuthCredentialsFile(option.ServiceAccount, path))
	}

	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}

	return &GCSStore{
		client:       client,
		bucket:       bucket,
		prefix:       prefix,
		unsafeRename: opts.Bool(OptionAllowUnsafeRename),
	}, nil
}

func (s *GCSStore) Location() string {
	return "gs://" + joinKey(s.bucket, s.prefix)
}

func (s *GCSStore) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(joinKey(s.prefix, key))
}

func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.object(key).NewReader(ctx)
	if err != nil {
		if stderrors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("gcs get %q: %w", key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *GCSStore) Put(ctx context.Context, key string, data []byte) error {
	return s.write(ctx, s.object(key), key, data)
}

func (s *GCSStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	if s.unsafeRename {
		if _, err := s.Stat(ctx, key); err == nil {
			return ErrExist
		} else if !stderrors.Is(err, ErrNotExist) {
			return err
		}
		return s.Put(ctx, key, data)
	}

	err := s.write(ctx, s.object(key).If(storage.Conditions{DoesNotExist: true}), key, data)
	var apiErr *googleapi.Error
	if stderrors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed {
		return ErrExist
	}
	return err
}

func (s *GCSStore) write(ctx context.Context, obj *storage.ObjectHandle, key string, data []byte) error {
	w := obj.NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("gcs write %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs write %q: %w", key, err)
	}
	return nil
}

func (s *GCSStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := s.object(key).Attrs(ctx)
	if err != nil {
		if stderrors.Is(err, storage.ErrObjectNotExist) {
			return ObjectInfo{}, ErrNotExist
		}
		return ObjectInfo{}, fmt.Errorf("gcs stat %q: %w", key, err)
	}
	return ObjectInfo{Key: key, Size: attrs.Size, LastModified: attrs.Updated}, nil
}

func (s *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: joinKey(s.prefix, prefix)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list %q: %w", prefix, err)
		}
		out = append(out, ObjectInfo{
			Key:          trimKey(s.prefix, attrs.Name),
			Size:         attrs.Size,
			LastModified: attrs.Updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *GCSStore) DeletePrefix(ctx context.Context, prefix string) error {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		if err := s.object(obj.Key).Delete(ctx); err != nil && !stderrors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("gcs delete %q: %w", obj.Key, err)
		}
	}
	return nil
}

func (s *GCSStore) Close() error {
	return s.client.Close()
}
