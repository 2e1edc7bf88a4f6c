package tuf

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineBootstrapSuccess(t *testing.T) {
	sourceDir := t.TempDir()
	key := newTestKey(t)
	writeFixtureRepo(t, sourceDir, key, 1, 1, 1)

	engine, cache, _ := newTestEngine(t, sourceDir)
	require.NoError(t, engine.Bootstrap([]KeyID{key.id}, 1))

	_, ok, err := cache.GetCached(CachedRoot)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEngineBootstrapInsufficientFingerprints(t *testing.T) {
	sourceDir := t.TempDir()
	key := newTestKey(t)
	unrelated := newTestKey(t)
	writeFixtureRepo(t, sourceDir, key, 1, 1, 1)

	engine, _, _ := newTestEngine(t, sourceDir)
	err := engine.Bootstrap([]KeyID{unrelated.id}, 1)
	require.Error(t, err)
	assert.Equal(t, ErrVerificationFailed, errors.Cause(err))
}

func TestEngineCheckForUpdatesHappyPath(t *testing.T) {
	sourceDir := t.TempDir()
	key := newTestKey(t)
	fr := writeFixtureRepo(t, sourceDir, key, 1, 1, 1)

	engine, cache, repo := newTestEngine(t, sourceDir)
	require.NoError(t, engine.Bootstrap([]KeyID{key.id}, 1))

	result, err := engine.CheckForUpdates()
	require.NoError(t, err)
	assert.Equal(t, HasUpdates, result)

	for _, kind := range []CachedFile{CachedTimestamp, CachedSnapshot, CachedMirrors} {
		_, ok, err := cache.GetCached(kind)
		require.NoError(t, err)
		assert.True(t, ok, "expected %v to be cached", kind)
	}

	targetsBytes, ok, err := repo.GetFromIndex("targets.json")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, targetsBytes)

	cabalBytes, ok, err := repo.GetFromIndex("foo/1.0/foo.cabal")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, string(cabalBytes), "name: foo")

	// Nothing changed server-side: a second call reports NoUpdates (P6).
	result, err = engine.CheckForUpdates()
	require.NoError(t, err)
	assert.Equal(t, NoUpdates, result)

	destPath := filepath.Join(t.TempDir(), "foo-1.0.tar.gz")
	err = engine.DownloadPackage(fr.pkgPath, func(tempPath string) error {
		data, rerr := os.ReadFile(tempPath)
		if rerr != nil {
			return rerr
		}
		return os.WriteFile(destPath, data, 0644)
	})
	require.NoError(t, err)
	got, err := os.ReadFile(destPath)
	require.NoError(t, err)
	assert.Equal(t, fr.pkgBytes, got)
}

func TestEngineCheckForUpdatesRollbackDetected(t *testing.T) {
	sourceDir := t.TempDir()
	key := newTestKey(t)
	writeFixtureRepo(t, sourceDir, key, 1, 2, 2)

	engine, _, _ := newTestEngine(t, sourceDir)
	require.NoError(t, engine.Bootstrap([]KeyID{key.id}, 1))
	_, err := engine.CheckForUpdates()
	require.NoError(t, err)

	// Server rolls the timestamp back to an earlier version.
	rewriteTimestampVersion(t, sourceDir, key, 1)

	_, err = engine.CheckForUpdates()
	require.Error(t, err)
	assert.Equal(t, ErrRollback, errors.Cause(err))
}

func TestEngineCheckForUpdatesHashMismatch(t *testing.T) {
	sourceDir := t.TempDir()
	key := newTestKey(t)
	writeFixtureRepo(t, sourceDir, key, 1, 1, 1)

	engine, _, _ := newTestEngine(t, sourceDir)
	require.NoError(t, engine.Bootstrap([]KeyID{key.id}, 1))
	_, err := engine.CheckForUpdates()
	require.NoError(t, err)

	// The snapshot is republished at a new version still declaring a
	// targets.json hash, but one that no longer matches the (untouched)
	// file actually on disk.
	corruptSnapshotTargetsHash(t, sourceDir, key, 2)

	_, err = engine.CheckForUpdates()
	require.Error(t, err)
	assert.Equal(t, ErrVerificationFailed, errors.Cause(err))
}

func TestEngineCheckForUpdatesTargetsRollbackDetected(t *testing.T) {
	sourceDir := t.TempDir()
	key := newTestKey(t)
	writeFixtureRepo(t, sourceDir, key, 1, 1, 1)

	engine, _, _ := newTestEngine(t, sourceDir)
	require.NoError(t, engine.Bootstrap([]KeyID{key.id}, 1))
	_, err := engine.CheckForUpdates()
	require.NoError(t, err)

	// Targets advances to version 5, synced normally.
	rewriteTargetsVersion(t, sourceDir, key, 5, 2)
	result, err := engine.CheckForUpdates()
	require.NoError(t, err)
	assert.Equal(t, HasUpdates, result)

	// The snapshot is republished at a newer version (so it isn't rejected
	// by the snapshot's own rollback check, and isn't skipped as
	// unchanged), but it pins a targets.json re-signed at version 3 - an
	// older, still-validly-signed, still-unexpired document than the
	// version 5 already trusted.
	rewriteTargetsVersion(t, sourceDir, key, 3, 3)

	_, err = engine.CheckForUpdates()
	require.Error(t, err)
	assert.Equal(t, ErrRollback, errors.Cause(err))
}

func TestEngineCheckForUpdatesMirrorsRollbackDetected(t *testing.T) {
	sourceDir := t.TempDir()
	key := newTestKey(t)
	writeFixtureRepo(t, sourceDir, key, 1, 1, 1)

	engine, _, _ := newTestEngine(t, sourceDir)
	require.NoError(t, engine.Bootstrap([]KeyID{key.id}, 1))
	_, err := engine.CheckForUpdates()
	require.NoError(t, err)

	rewriteMirrorsVersion(t, sourceDir, key, 5, 2)
	result, err := engine.CheckForUpdates()
	require.NoError(t, err)
	assert.Equal(t, HasUpdates, result)

	// Same shape as the targets case: snapshot advances, but the
	// mirrors.json it now pins is an older, valid signed version.
	rewriteMirrorsVersion(t, sourceDir, key, 3, 3)

	_, err = engine.CheckForUpdates()
	require.Error(t, err)
	assert.Equal(t, ErrRollback, errors.Cause(err))
}

func TestEngineBootstrapRejectsExpiredWithoutNoExpiryCheck(t *testing.T) {
	sourceDir := t.TempDir()
	key := newTestKey(t)
	writeExpiredFixtureRepo(t, sourceDir, key)

	engine, _, _ := newTestEngine(t, sourceDir)
	require.Error(t, engine.Bootstrap([]KeyID{key.id}, 1))
}

func TestEngineCheckForUpdatesNoExpiryCheck(t *testing.T) {
	sourceDir := t.TempDir()
	key := newTestKey(t)
	writeExpiredFixtureRepo(t, sourceDir, key)

	cacheDir := t.TempDir()
	cache, err := NewCache(cacheDir, false, nil)
	require.NoError(t, err)
	repo, err := NewLocalRepo(sourceDir, cache)
	require.NoError(t, err)
	settings := &Settings{CacheRoot: cacheDir, CheckExpiry: NoExpiryCheck()}
	engine, err := NewEngine(repo, settings)
	require.NoError(t, err)

	require.NoError(t, engine.Bootstrap([]KeyID{key.id}, 1))
	result, err := engine.CheckForUpdates()
	require.NoError(t, err)
	assert.Equal(t, HasUpdates, result)
}

func TestEngineRootRotation(t *testing.T) {
	sourceDir := t.TempDir()
	key := newTestKey(t)
	writeFixtureRepo(t, sourceDir, key, 1, 1, 1)

	engine, _, repo := newTestEngine(t, sourceDir)
	require.NoError(t, engine.Bootstrap([]KeyID{key.id}, 1))

	// A new root, still signed by the same key, is published under its
	// version-numbered name.
	rotatedRoot := SignedRoot{
		header: header{Type: "Root", Version: 2, Expires: farFuture()},
		Keys:   map[KeyID]PublicKey{key.id: key.pub},
		Roles: map[Role]RoleSpec{
			RoleRoot:      {KeyIDs: []KeyID{key.id}, Threshold: 1},
			RoleTimestamp: {KeyIDs: []KeyID{key.id}, Threshold: 1},
			RoleSnapshot:  {KeyIDs: []KeyID{key.id}, Threshold: 1},
			RoleTargets:   {KeyIDs: []KeyID{key.id}, Threshold: 1},
			RoleMirrors:   {KeyIDs: []KeyID{key.id}, Threshold: 1},
		},
	}
	rotatedBytes := signEnvelope(t, rotatedRoot, key)
	require.NoError(t, os.WriteFile(filepath.Join(sourceDir, "2.root.json"), rotatedBytes, 0644))

	result, err := engine.CheckForUpdates()
	require.NoError(t, err)
	assert.Equal(t, HasUpdates, result)

	var trusted SignedRoot
	ok, err := loadCachedRoleInto(repo, CachedRoot, &trusted)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, trusted.Version)
}
