package blob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerozero/octolab/pkg/config"
)

func runStoreContract(t *testing.T, store Store) {
	ctx := context.Background()

	_, err := store.Head(ctx, "sessions/s1/report.json")
	assert.ErrorIs(t, err, ErrNotFound)
	_, _, err = store.Get(ctx, "sessions/s1/report.json")
	assert.ErrorIs(t, err, ErrNotFound)

	info, err := store.Put(ctx, ArtifactKey("s1", "abc"), bytes.NewReader([]byte("payload")),
		PutOptions{ContentType: "text/plain", Metadata: map[string]string{"name": "server_logs.txt"}})
	require.NoError(t, err)
	assert.Equal(t, int64(7), info.Size)

	_, err = store.Put(ctx, ArtifactKey("s1", "abc"), bytes.NewReader([]byte("other")), PutOptions{})
	assert.ErrorIs(t, err, ErrExists)

	got, rc, err := store.Get(ctx, ArtifactKey("s1", "abc"))
	require.NoError(t, err)
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "payload", string(body))
	assert.Equal(t, "text/plain", got.ContentType)
	assert.Equal(t, "server_logs.txt", got.Metadata["name"])

	_, err = store.Put(ctx, StagingPrefix("s1")+"exploit_poc.py", bytes.NewReader([]byte("x")), PutOptions{})
	require.NoError(t, err)
	_, err = store.Put(ctx, ArtifactKey("s2", "def"), bytes.NewReader([]byte("y")), PutOptions{})
	require.NoError(t, err)

	list, err := store.List(ctx, "sessions/s1/")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ArtifactKey("s1", "abc"), list[0].Key)
	assert.Equal(t, StagingPrefix("s1")+"exploit_poc.py", list[1].Key)

	ok, err := store.Delete(ctx, ArtifactKey("s2", "def"))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.Delete(ctx, ArtifactKey("s2", "def"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.PresignURL(ctx, ArtifactKey("s1", "abc"), SignedURLOptions{})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, NewMemoryStore())
}

func TestFSStore(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	runStoreContract(t, store)
}

func TestFSStore_RejectsUnsafeKeys(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	for _, key := range []string{"", "/etc/passwd", "../escape", "a/../../b", "x.meta"} {
		_, err := store.Put(ctx, key, bytes.NewReader(nil), PutOptions{})
		assert.Error(t, err, key)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("boom") }

func TestPut_ReadErrorLeavesNothing(t *testing.T) {
	fsStore, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	for _, store := range []Store{NewMemoryStore(), fsStore} {
		ctx := context.Background()
		_, err := store.Put(ctx, "k", failingReader{}, PutOptions{})
		assert.Error(t, err)
		_, err = store.Head(ctx, "k")
		assert.ErrorIs(t, err, ErrNotFound, string(store.Driver()))
	}
}

func TestMemoryStore_Overwrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, err := store.Put(ctx, "k", bytes.NewReader([]byte("one")), PutOptions{})
	require.NoError(t, err)
	store.Overwrite("k", []byte("tampered"))

	rc, err := Reader{Store: store}.Open(ctx, "k")
	require.NoError(t, err)
	b, _ := io.ReadAll(rc)
	assert.Equal(t, "tampered", string(b))
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, err := Open(ctx, config.EvidenceConfig{BlobDriver: "memory"})
	require.NoError(t, err)
	assert.Equal(t, DriverMemory, s.Driver())

	s, err = Open(ctx, config.EvidenceConfig{BlobDriver: "FS", FSRoot: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, DriverFilesystem, s.Driver())

	_, err = Open(ctx, config.EvidenceConfig{BlobDriver: "s3"})
	assert.Error(t, err)

	_, err = Open(ctx, config.EvidenceConfig{BlobDriver: "gcs"})
	assert.Error(t, err)
}
