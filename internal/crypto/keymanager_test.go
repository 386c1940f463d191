package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestKeyManager_GetOrCreate_Roundtrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	rapid.Check(t, func(t *rapid.T) {
		masterKey := rapid.SliceOfN(rapid.Byte(), 32, 32).Draw(t, "masterKey")
		path := filepath.Join(dir, rapid.StringMatching(`[a-z]{8}`).Draw(t, "name"), "store.db.key")
		os.Remove(path)

		km := NewKeyManager(masterKey, path, "notebooks")
		dek1, err := km.GetOrCreateDEK()
		if err != nil {
			t.Fatalf("first GetOrCreateDEK failed: %v", err)
		}
		if len(dek1) != DEKSize {
			t.Fatalf("DEK has %d bytes", len(dek1))
		}

		dek2, err := NewKeyManager(masterKey, path, "notebooks").GetOrCreateDEK()
		if err != nil {
			t.Fatalf("second GetOrCreateDEK failed: %v", err)
		}
		if !bytes.Equal(dek1, dek2) {
			t.Fatalf("key changed between opens: %x != %x", dek1, dek2)
		}
	})
}

func TestKeyManager_GetDEK_MissingFile(t *testing.T) {
	t.Parallel()
	km := NewKeyManager(bytes.Repeat([]byte{1}, 32), filepath.Join(t.TempDir(), "missing.key"), "notebooks")
	_, err := km.GetDEK()
	assert.ErrorIs(t, err, ErrKeyFileNotFound)
}

func TestKeyManager_WrongMasterKeyFails(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "store.db.key")
	_, err := NewKeyManager(bytes.Repeat([]byte{1}, 32), path, "notebooks").GetOrCreateDEK()
	require.NoError(t, err)

	_, err = NewKeyManager(bytes.Repeat([]byte{2}, 32), path, "notebooks").GetDEK()
	assert.ErrorContains(t, err, "MASTER_KEY")

	_, err = NewKeyManager(bytes.Repeat([]byte{1}, 32), path, "other").GetDEK()
	assert.Error(t, err, "scope is part of the KEK")
}

func TestKeyManager_RotateKeepsDEK(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "store.db.key")
	km := NewKeyManager(bytes.Repeat([]byte{7}, 32), path, "notebooks")
	dek, err := km.GetOrCreateDEK()
	require.NoError(t, err)

	before, err := os.ReadFile(path)
	require.NoError(t, err)
	for want := 2; want <= 4; want++ {
		require.NoError(t, km.RotateKEK())
		v, err := km.KEKVersion()
		require.NoError(t, err)
		assert.Equal(t, want, v)
	}
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	got, err := km.GetDEK()
	require.NoError(t, err)
	assert.Equal(t, dek, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestKeyManager_RotateWithoutKey(t *testing.T) {
	t.Parallel()
	km := NewKeyManager(bytes.Repeat([]byte{7}, 32), filepath.Join(t.TempDir(), "x.key"), "notebooks")
	assert.ErrorIs(t, km.RotateKEK(), ErrKeyFileNotFound)
}

func TestKeyFilePath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "/data/notebooks.db.key", KeyFilePath("/data/notebooks.db"))
}
