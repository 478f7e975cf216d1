package storage

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/confidential-contract-engine/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend_StoreFetch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, slog.Default())
	require.NoError(t, err)
	require.True(t, backend.Available(ctx))

	code := []byte("\x00asm\x01\x00\x00\x00")
	id, err := backend.Store(ctx, code, interfaces.CodeType)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(code), id)
	assert.FileExists(t, filepath.Join(dir, "code", id.String()))

	data, err := backend.Fetch(ctx, id, interfaces.CodeType)
	require.NoError(t, err)
	assert.Equal(t, code, data)

	// Namespaces are separate.
	_, err = backend.Fetch(ctx, id, interfaces.SealedSeedType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound)

	// Storing the same content twice is idempotent.
	id2, err := backend.Store(ctx, code, interfaces.CodeType)
	require.NoError(t, err)
	assert.Equal(t, id, id2)
}

func TestFileBackend_TamperedContent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	backend, err := NewFileBackend(dir, nil)
	require.NoError(t, err)

	id, err := backend.Store(ctx, []byte("sealed blob"), interfaces.SealedSeedType)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sealed", id.String()), []byte("other blob"), 0o600))
	_, err = backend.Fetch(ctx, id, interfaces.SealedSeedType)
	assert.Error(t, err)
}

func TestStorageBackendFactory(t *testing.T) {
	factory := NewStorageBackendFactory(nil)
	dir := t.TempDir()

	tests := []struct {
		name    string
		uri     string
		wantErr bool
		check   func(t *testing.T, b interfaces.StorageBackend)
	}{
		{
			name: "file",
			uri:  "file://" + dir,
			check: func(t *testing.T, b interfaces.StorageBackend) {
				assert.IsType(t, &FileBackend{}, b)
				assert.Equal(t, "file://"+dir, b.LocationURI())
			},
		},
		{
			name: "s3 with credentials",
			uri:  "s3://AKID:SECRET@bucket/engine?region=eu-west-1&endpoint=http://localhost:9000&path_style=true",
			check: func(t *testing.T, b interfaces.StorageBackend) {
				s3b, ok := b.(*S3Backend)
				require.True(t, ok)
				assert.Equal(t, "bucket", s3b.bucketName)
				assert.Equal(t, "engine", s3b.prefix)
				assert.Equal(t, "engine/code/"+interfaces.ContentID{}.String(), s3b.getObjectKey(interfaces.ContentID{}, interfaces.CodeType))
			},
		},
		{
			name: "vault",
			uri:  "vault://vault.local:8200/secret/engine/seeds?token=root&tls=false",
			check: func(t *testing.T, b interfaces.StorageBackend) {
				vb, ok := b.(*VaultBackend)
				require.True(t, ok)
				assert.Equal(t, "secret", vb.mountPath)
				assert.Equal(t, "engine/seeds", vb.dataPath)
				assert.Equal(t, "secret/data/engine/seeds/sealed/"+interfaces.ContentID{}.String(), vb.secretPath(interfaces.ContentID{}, interfaces.SealedSeedType))
			},
		},
		{
			name: "ipfs",
			uri:  "ipfs://localhost:5001/engine?timeout=5s",
			check: func(t *testing.T, b interfaces.StorageBackend) {
				ib, ok := b.(*IPFSBackend)
				require.True(t, ok)
				assert.Equal(t, "/engine/code/"+interfaces.ContentID{}.String(), ib.getPath(interfaces.ContentID{}, interfaces.CodeType))
			},
		},
		{
			name:    "bad ipfs timeout",
			uri:     "ipfs://localhost:5001/?timeout=soon",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := interfaces.NewStorageBackendLocation(tt.uri)
			require.NoError(t, err)

			backend, err := factory.StorageBackendFor(loc)
			if tt.wantErr {
				assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
				return
			}
			require.NoError(t, err)
			tt.check(t, backend)
		})
	}
}

func TestStorageBackendLocation_UnsupportedScheme(t *testing.T) {
	_, err := interfaces.NewStorageBackendLocation("github://owner/repo")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestStorageBackendFactory_CreateMultiBackend(t *testing.T) {
	factory := NewStorageBackendFactory(nil)

	a, err := interfaces.NewStorageBackendLocation("file://" + t.TempDir())
	require.NoError(t, err)
	b, err := interfaces.NewStorageBackendLocation("file://" + t.TempDir())
	require.NoError(t, err)

	single, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{a})
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, single)

	multi, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{a, b})
	require.NoError(t, err)
	assert.IsType(t, &MultiStorageBackend{}, multi)

	ctx := context.Background()
	id, err := multi.Store(ctx, []byte("replicated"), interfaces.CodeType)
	require.NoError(t, err)

	second, err := factory.StorageBackendFor(b)
	require.NoError(t, err)
	data, err := second.Fetch(ctx, id, interfaces.CodeType)
	require.NoError(t, err)
	assert.Equal(t, []byte("replicated"), data)
}
