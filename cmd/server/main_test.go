package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/notebook-sync/internal/config"
)

func TestOpenObjectStore_NoS3StartsInMemoryServer(t *testing.T) {
	ctx := context.Background()
	objects, closeObjects, err := openObjectStore(ctx, &config.Config{NoS3: true})
	require.NoError(t, err)
	defer closeObjects()

	require.NoError(t, objects.PutObject(ctx, "exports/u1/x.json", []byte("{}"), "application/json"))
	list, err := objects.List(ctx, "exports/u1/")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDatabaseKey_StableAcrossStarts(t *testing.T) {
	cfg := &config.Config{
		DatabasePath: filepath.Join(t.TempDir(), "notebooks.db"),
		MasterKey:    strings.Repeat("ab", 32),
	}
	first, err := databaseKey(cfg)
	require.NoError(t, err)
	assert.Len(t, first, 32)

	second, err := databaseKey(cfg)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	cfg.MasterKey = ""
	none, err := databaseKey(cfg)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestRotateDatabaseKey_KeepsKeyAndBumpsVersion(t *testing.T) {
	cfg := &config.Config{
		DatabasePath: filepath.Join(t.TempDir(), "notebooks.db"),
		MasterKey:    strings.Repeat("cd", 32),
	}
	before, err := databaseKey(cfg)
	require.NoError(t, err)

	version, err := rotateDatabaseKey(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	after, err := databaseKey(cfg)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rotation re-wraps the same database key")
}

func TestRotateDatabaseKey_RequiresMasterKey(t *testing.T) {
	cfg := &config.Config{DatabasePath: filepath.Join(t.TempDir(), "notebooks.db")}
	_, err := rotateDatabaseKey(cfg)
	assert.ErrorContains(t, err, "MASTER_KEY")
}
