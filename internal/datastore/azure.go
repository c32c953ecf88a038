package datastore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/kilnml/kiln/internal/model"
)

// The domain suffix for Azure Blob storage.
const azureBlobHostSuffix = ".blob.core.windows.net"

// Environment variables for Azure Blob credentials, checked in order before
// falling back to the default Azure credential chain.
const (
	envAzureConnectionString = "KILN_AZURE_BLOB_CONNECTION_STRING"
	envAzureAccessKey        = "KILN_AZURE_BLOB_ACCESS_KEY"
)

// AzureBlob backs a datastore with an Azure Blob Storage container.
// Blobs have no host representation, so the engine stages inputs before a
// step starts and publishes declared outputs after it exits.
type AzureBlob struct {
	client    *azblob.Client
	container string
}

// NewAzureBlob creates an Azure Blob backend for a "account/container" location.
func NewAzureBlob(location string) (*AzureBlob, error) {
	account, container, ok := strings.Cut(location, "/")
	if !ok || account == "" || container == "" {
		return nil, fmt.Errorf("azure-blob location %q: want account/container", location)
	}

	client, err := newAzureClient(account)
	if err != nil {
		return nil, err
	}

	return &AzureBlob{client: client, container: container}, nil
}

// newAzureClient builds a blob client for the storage account, preferring a
// connection string, then a shared key, then the default credential chain.
func newAzureClient(account string) (*azblob.Client, error) {
	if connStr := os.Getenv(envAzureConnectionString); connStr != "" {
		client, err := azblob.NewClientFromConnectionString(connStr, nil)
		if err != nil {
			return nil, fmt.Errorf("azure client from connection string: %w", err)
		}
		return client, nil
	}

	serviceURL := fmt.Sprintf("https://%s%s/", account, azureBlobHostSuffix)

	if accKey := os.Getenv(envAzureAccessKey); accKey != "" {
		cred, err := azblob.NewSharedKeyCredential(account, accKey)
		if err != nil {
			return nil, fmt.Errorf("azure shared key credential: %w", err)
		}
		client, err := azblob.NewClientWithSharedKeyCredential(serviceURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("azure client with shared key: %w", err)
		}
		return client, nil
	}

	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("default azure credential: %w", err)
	}
	client, err := azblob.NewClient(serviceURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("azure client with default credential: %w", err)
	}
	return client, nil
}

// Kind returns the azure-blob datastore kind.
func (a *AzureBlob) Kind() string {
	return model.DatastoreAzureBlob
}

// Mount reports that blob storage has no host path; callers must stage.
func (a *AzureBlob) Mount(_ string) (string, bool, error) {
	return "", false, nil
}

// Stage downloads every blob under prefix into dir, preserving the blob
// hierarchy below the prefix.
func (a *AzureBlob) Stage(ctx context.Context, prefix, dir string) error {
	listPrefix := prefix
	if listPrefix != "" && !strings.HasSuffix(listPrefix, "/") {
		listPrefix += "/"
	}

	pager := a.client.NewListBlobsFlatPager(a.container, &azblob.ListBlobsFlatOptions{
		Prefix: &listPrefix,
	})

	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("list blobs under %q: %w", prefix, err)
		}
		for _, item := range page.Segment.BlobItems {
			name := *item.Name
			rel := strings.TrimPrefix(name, listPrefix)
			local := filepath.Join(dir, filepath.FromSlash(rel))

			if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
				return fmt.Errorf("create dir for %s: %w", local, err)
			}
			f, err := os.Create(local)
			if err != nil {
				return fmt.Errorf("create %s: %w", local, err)
			}
			_, err = a.client.DownloadFile(ctx, a.container, name, f, nil)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("download blob %s: %w", name, err)
			}
		}
	}
	return nil
}

// Publish uploads the contents of dir as blobs under prefix.
func (a *AzureBlob) Publish(ctx context.Context, dir, prefix string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := path.Join(prefix, filepath.ToSlash(rel))

		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", p, err)
		}
		_, err = a.client.UploadFile(ctx, a.container, name, f, nil)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("upload blob %s: %w", name, err)
		}
		return nil
	})
}
