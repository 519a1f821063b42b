// Package objectstore provides the narrow object interface the transaction
// log needs, over the local filesystem and cloud object storage.
package objectstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrNotExist is returned when a key is absent
	ErrNotExist = stderrors.New("objectstore: object does not exist")

	// ErrExist is returned by PutIfAbsent when the key is already taken
	ErrExist = stderrors.New("objectstore: object already exists")
)

// Option keys understood by Open. Unknown keys are ignored.
const (
	OptionAllowUnsafeRename = "allow_unsafe_rename"

	OptionAWSAccessKeyID     = "aws_access_key_id"
	OptionAWSSecretAccessKey = "aws_secret_access_key"
	OptionAWSSessionToken    = "aws_session_token"
	OptionAWSRegion          = "aws_region"
	OptionAWSEndpoint        = "aws_endpoint"
	OptionAWSPathStyle       = "aws_force_path_style"

	OptionGoogleServiceAccountPath = "google_service_account_path"

	OptionAzureAccountName = "azure_storage_account_name"
	OptionAzureAccountKey  = "azure_storage_account_key"
	OptionAzureEndpoint    = "azure_endpoint"
)

// ObjectInfo describes a stored object. Key is relative to the store root.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Store is a flat key space rooted at a location
type Store interface {
	// Get returns the full object content or ErrNotExist
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes an object, replacing any previous content
	Put(ctx context.Context, key string, data []byte) error

	// PutIfAbsent writes an object only when the key is free, returning ErrExist otherwise.
	// Remote stores in unsafe-rename mode check and then write, which is only
	// correct with a single writer per location.
	PutIfAbsent(ctx context.Context, key string, data []byte) error

	// Stat returns object metadata or ErrNotExist
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// List returns every object whose key starts with prefix, sorted by key
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// DeletePrefix removes every object whose key starts with prefix
	DeletePrefix(ctx context.Context, prefix string) error

	// Location is the root URI of the store
	Location() string

	Close() error
}

// Options configures an opened store
type Options map[string]string

// Bool reads a boolean option, false when unset or unparsable
func (o Options) Bool(key string) bool {
	v, ok := o[key]
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

// Clone returns an independent copy
func (o Options) Clone() Options {
	out := make(Options, len(o))
	for k, v := range o {
		out[k] = v
	}
	return out
}

// Open returns a store rooted at location. Supported schemes are
// file (or a bare path), s3, gs and az.
func Open(ctx context.Context, location string, opts Options) (Store, error) {
	u, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("parse location %q: %w", location, err)
	}

	switch u.Scheme {
	case "", "file":
		return NewLocalStore(u.Path)
	case "s3", "s3a":
		return NewS3Store(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), opts)
	case "gs":
		return NewGCSStore(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), opts)
	case "az", "azure":
		return NewAzureStore(u.Host, strings.TrimPrefix(u.Path, "/"), opts)
	default:
		return nil, fmt.Errorf("unsupported storage scheme %q in %q", u.Scheme, location)
	}
}

// Join appends path elements to a location URI
func Join(location string, elem ...string) string {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" {
		return path.Join(append([]string{location}, elem...)...)
	}
	u.Path = path.Join(append([]string{u.Path}, elem...)...)
	return u.String()
}

// RelativeKey resolves p against location. Relative paths are returned
// cleaned; absolute paths must live under location.
func RelativeKey(location, p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	root := strings.TrimSuffix(location, "/") + "/"
	switch {
	case strings.HasPrefix(p, root):
		p = strings.TrimPrefix(p, root)
	case strings.HasPrefix(p, "/") || strings.Contains(p, "://"):
		return "", fmt.Errorf("path %q is outside table location %q", p, location)
	}

	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("path %q escapes table location %q", p, location)
	}
	return cleaned, nil
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimSuffix(prefix, "/") + "/" + key
}

func trimKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, strings.TrimSuffix(prefix, "/")+"/")
}
