// Package local_test tests the local filesystem blob store.
package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gradepop-crawler/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("ValidConfig", func(t *testing.T) {
		t.Parallel()
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})
	t.Run("CreatesMissingDir", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "nested", "archive")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		t.Parallel()
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		t.Parallel()
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.PutObject(ctx, "raw/psa/2026/01/02/abc.html", "text/html", strings.NewReader("<html>1</html>"))
	require.NoError(t, err)
	full := filepath.Join(dir, "raw", "psa", "2026", "01", "02", "abc.html")
	assert.Equal(t, "file://"+filepath.ToSlash(full), uri)
	got, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.Equal(t, "<html>1</html>", string(got))

	again, err := store.PutObject(ctx, "raw/psa/2026/01/02/abc.html", "text/html", strings.NewReader("different"))
	require.NoError(t, err)
	assert.Equal(t, uri, again)
	got, err = os.ReadFile(full)
	require.NoError(t, err)
	assert.Equal(t, "<html>1</html>", string(got))

	_, err = store.PutObject(ctx, "", "", strings.NewReader("x"))
	assert.Error(t, err)
	_, err = store.PutObject(ctx, "../escape.html", "", strings.NewReader("x"))
	assert.ErrorContains(t, err, "escapes base directory")
}
