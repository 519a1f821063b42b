package objectstore

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sort"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureStore keeps objects in an Azure Blob Storage container under a prefix
type AzureStore struct {
	client       *azblob.Client
	account      string
	container    string
	prefix       string
	unsafeRename bool
}

var _ Store = (*AzureStore)(nil)

// NewAzureStore creates a store over container/prefix using shared-key credentials
func NewAzureStore(container, prefix string, opts Options) (*AzureStore, error) {
	if container == "" {
		return nil, fmt.Errorf("az location requires a container")
	}
	account := opts[OptionAzureAccountName]
	if account == "" || opts[OptionAzureAccountKey] == "" {
		return nil, fmt.Errorf("%s and %s are required for azure locations", OptionAzureAccountName, OptionAzureAccountKey)
	}

	cred, err := azblob.NewSharedKeyCredential(account, opts[OptionAzureAccountKey])
	if err != nil {
		return nil, fmt.Errorf("create shared key credential: %w", err)
	}

	serviceURL := opts[OptionAzureEndpoint]
	if serviceURL == "" {
		serviceURL = fmt.Sprintf("https://%s.blob.core.windows.net", account)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure blob client: %w", err)
	}

	return &AzureStore{
		client:       client,
		account:      account,
		container:    container,
		prefix:       prefix,
		unsafeRename: opts.Bool(OptionAllowUnsafeRename),
	}, nil
}

func (s *AzureStore) Location() string {
	return "az://" + joinKey(s.container, s.prefix)
}

func (s *AzureStore) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, joinKey(s.prefix, key), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("azure get %q: %w", key, err)
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (s *AzureStore) Put(ctx context.Context, key string, data []byte) error {
	if _, err := s.client.UploadBuffer(ctx, s.container, joinKey(s.prefix, key), data, nil); err != nil {
		return fmt.Errorf("azure put %q: %w", key, err)
	}
	return nil
}

func (s *AzureStore) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	if s.unsafeRename {
		if _, err := s.Stat(ctx, key); err == nil {
			return ErrExist
		} else if !stderrors.Is(err, ErrNotExist) {
			return err
		}
		return s.Put(ctx, key, data)
	}

	_, err := s.client.UploadBuffer(ctx, s.container, joinKey(s.prefix, key), data, &azblob.UploadBufferOptions{
		AccessConditions: &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		},
	})
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet) {
			return ErrExist
		}
		return fmt.Errorf("azure conditional put %q: %w", key, err)
	}
	return nil
}

func (s *AzureStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(joinKey(s.prefix, key))
	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
			return ObjectInfo{}, ErrNotExist
		}
		return ObjectInfo{}, fmt.Errorf("azure stat %q: %w", key, err)
	}
	info := ObjectInfo{Key: key}
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		info.LastModified = *props.LastModified
	}
	return info, nil
}

func (s *AzureStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var out []ObjectInfo
	full := joinKey(s.prefix, prefix)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: &full})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("azure list %q: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			info := ObjectInfo{Key: trimKey(s.prefix, *item.Name)}
			if item.Properties != nil {
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					info.LastModified = *item.Properties.LastModified
				}
			}
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *AzureStore) DeletePrefix(ctx context.Context, prefix string) error {
	objects, err := s.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, obj := range objects {
		_, err := s.client.DeleteBlob(ctx, s.container, joinKey(s.prefix, obj.Key), nil)
		if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
			return fmt.Errorf("azure delete %q: %w", obj.Key, err)
		}
	}
	return nil
}

func (s *AzureStore) Close() error { return nil }
