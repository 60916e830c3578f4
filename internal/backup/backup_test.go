package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/crabrelay/internal/auth"
	"github.com/joss/crabrelay/internal/config"
	"github.com/joss/crabrelay/internal/directory"
	"github.com/joss/crabrelay/internal/store"
)

func seed(t *testing.T, dataDir string) {
	t.Helper()
	ctx := context.Background()

	state, err := store.OpenSQLite(config.StateDB(dataDir))
	require.NoError(t, err)
	require.NoError(t, state.Save(ctx, "session/abc", []byte(`{"state":"ready"}`)))
	require.NoError(t, state.Close())

	dir, err := directory.Open(config.DirectoryDB(dataDir))
	require.NoError(t, err)
	_, err = dir.RegisterDevice(ctx, directory.Device{ID: "laptop", SecretHash: auth.HashToken("s3cret")})
	require.NoError(t, err)
	require.NoError(t, dir.Close())
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	seed(t, src)

	archive := filepath.Join(t.TempDir(), "relay.tar.gz")
	meta, err := NewManager(src).Export(ctx, archive, "nightly")
	require.NoError(t, err)
	assert.Equal(t, []Part{PartState, PartDirectory}, meta.Parts)
	assert.Len(t, meta.Checksums, 2)

	listed, err := NewManager(src).List(archive)
	require.NoError(t, err)
	assert.Equal(t, "nightly", listed.Description)
	assert.Equal(t, meta.Checksums, listed.Checksums)

	dst := t.TempDir()
	_, err = NewManager(dst).Import(ctx, archive, false)
	require.NoError(t, err)

	state, err := store.OpenSQLite(config.StateDB(dst))
	require.NoError(t, err)
	defer state.Close()
	val, err := state.Load(ctx, "session/abc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"ready"}`, string(val))

	dir, err := directory.Open(config.DirectoryDB(dst))
	require.NoError(t, err)
	defer dir.Close()
	d, err := dir.GetDevice(ctx, "laptop")
	require.NoError(t, err)
	assert.Equal(t, "laptop", d.ID)
}

func TestImportRefusesToOverwrite(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	seed(t, src)

	archive := filepath.Join(t.TempDir(), "relay.tar.gz")
	_, err := NewManager(src).Export(ctx, archive, "")
	require.NoError(t, err)

	_, err = NewManager(src).Import(ctx, archive, false)
	assert.True(t, errors.Is(err, ErrExists))

	_, err = NewManager(src).Import(ctx, archive, true)
	assert.NoError(t, err)
}

func TestExportEmptyDataDir(t *testing.T) {
	_, err := NewManager(t.TempDir()).Export(context.Background(), filepath.Join(t.TempDir(), "x.tar.gz"), "")
	assert.Error(t, err)
}

func TestListRejectsNonArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk")
	require.NoError(t, os.WriteFile(path, []byte("not gzip"), 0644))

	_, err := NewManager(t.TempDir()).List(path)
	assert.Error(t, err)
}
