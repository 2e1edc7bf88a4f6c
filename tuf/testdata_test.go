package tuf

import (
	"archive/tar"
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testKey is a generated ed25519 keypair plus its derived TUF keyid, used to
// build and sign fixture role documents the way test/data/root.json etc. are
// hand-built in the teacher's own fixtures.
type testKey struct {
	id   KeyID
	pub  PublicKey
	priv ed25519.PrivateKey
}

func newTestKey(t *testing.T) testKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	pk := PublicKey{KeyType: "ed25519", KeyVal: KeyVal{Public: base64.StdEncoding.EncodeToString(pub)}}
	id, err := pk.keyID()
	require.NoError(t, err)
	return testKey{id: id, pub: pk, priv: priv}
}

// signEnvelope canonically marshals signed and wraps it in a {signed,
// signatures} envelope, hand-assembled (rather than round-tripped through
// encoding/json) so the "signed" substring handed to verifyThreshold is
// byte-for-byte what was actually signed.
func signEnvelope(t *testing.T, signed interface{}, keys ...testKey) []byte {
	t.Helper()
	signedBytes, err := canonicalMarshal(signed)
	require.NoError(t, err)

	sigs := make([]Signature, 0, len(keys))
	for _, k := range keys {
		sig := ed25519.Sign(k.priv, signedBytes)
		sigs = append(sigs, Signature{
			KeyID:  k.id,
			Method: MethodEd25519,
			Sig:    base64.StdEncoding.EncodeToString(sig),
		})
	}
	sigsBytes, err := json.Marshal(sigs)
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.WriteString(`{"signed":`)
	buf.Write(signedBytes)
	buf.WriteString(`,"signatures":`)
	buf.Write(sigsBytes)
	buf.WriteString(`}`)
	return buf.Bytes()
}

func fileInfoOf(b []byte) FileInfo {
	sum := sha256.Sum256(b)
	return FileInfo{Length: int64(len(b)), Hashes: map[string]string{hashAlgoSHA256: hex.EncodeToString(sum[:])}}
}

func farFuture() time.Time { return time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC) }
func alreadyExpired() time.Time { return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC) }

func buildIndexTar(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		data := files[n]
		hdr := &tar.Header{Name: n, Mode: 0644, Size: int64(len(data)), Typeflag: tar.TypeReg}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

// fixtureRepo is a fully self-consistent, signed repository tree written to
// dir: one ed25519 key signs every role, one package "foo-1.0" is listed in
// both the targets role and the index tar.
type fixtureRepo struct {
	dir        string
	key        testKey
	pkgBytes   []byte
	pkgPath    string
}

// writeFixtureRepo writes root.json (version rootVersion), timestamp.json
// (version tsVersion), snapshot.json (version snapVersion), targets.json,
// mirrors.json, 00-index.tar and the package archive itself into dir, all
// signed by key and cross-referenced with correct FileInfo hashes, the way a
// conforming Hackage-like server would publish them.
func writeFixtureRepo(t *testing.T, dir string, key testKey, rootVersion, tsVersion, snapVersion int) *fixtureRepo {
	t.Helper()

	pkgBytes := []byte("package archive bytes for foo-1.0")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "foo", "1.0"), 0755))
	pkgPath := filepath.Join("foo", "1.0", "foo-1.0.tar.gz")
	require.NoError(t, os.WriteFile(filepath.Join(dir, pkgPath), pkgBytes, 0644))

	tarBytes := buildIndexTar(t, map[string][]byte{
		"foo/1.0/foo.cabal": []byte("name: foo\nversion: 1.0\n"),
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, indexTarName), tarBytes, 0644))
	tarInfo := fileInfoOf(tarBytes)

	targets := SignedTargets{
		header:  header{Type: "Targets", Version: 1, Expires: farFuture()},
		Targets: map[string]FileInfo{pkgPath: fileInfoOf(pkgBytes)},
	}
	targetsBytes := signEnvelope(t, targets, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "targets.json"), targetsBytes, 0644))
	targetsInfo := fileInfoOf(targetsBytes)

	mirrors := SignedMirrors{
		header:  header{Type: "Mirrors", Version: 1, Expires: farFuture()},
		Mirrors: []string{"file://unused-mirror"},
	}
	mirrorsBytes := signEnvelope(t, mirrors, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mirrors.json"), mirrorsBytes, 0644))
	mirrorsInfo := fileInfoOf(mirrorsBytes)

	snapshot := SignedSnapshot{
		header: header{Type: "Snapshot", Version: snapVersion, Expires: farFuture()},
		Meta: map[string]FileInfo{
			"targets.json": targetsInfo,
			"mirrors.json": mirrorsInfo,
			indexTarName:   tarInfo,
		},
	}
	snapBytes := signEnvelope(t, snapshot, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot.json"), snapBytes, 0644))
	snapInfo := fileInfoOf(snapBytes)

	timestamp := SignedTimestamp{
		header: header{Type: "Timestamp", Version: tsVersion, Expires: farFuture()},
		Meta:   map[string]FileInfo{"snapshot.json": snapInfo},
	}
	tsBytes := signEnvelope(t, timestamp, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "timestamp.json"), tsBytes, 0644))

	root := SignedRoot{
		header: header{Type: "Root", Version: rootVersion, Expires: farFuture()},
		Keys:   map[KeyID]PublicKey{key.id: key.pub},
		Roles: map[Role]RoleSpec{
			RoleRoot:      {KeyIDs: []KeyID{key.id}, Threshold: 1},
			RoleTimestamp: {KeyIDs: []KeyID{key.id}, Threshold: 1},
			RoleSnapshot:  {KeyIDs: []KeyID{key.id}, Threshold: 1},
			RoleTargets:   {KeyIDs: []KeyID{key.id}, Threshold: 1},
			RoleMirrors:   {KeyIDs: []KeyID{key.id}, Threshold: 1},
		},
	}
	rootBytes := signEnvelope(t, root, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.json"), rootBytes, 0644))

	return &fixtureRepo{dir: dir, key: key, pkgBytes: pkgBytes, pkgPath: pkgPath}
}

// writeExpiredFixtureRepo is writeFixtureRepo with every role's Expires set
// in the past, for exercising the expiry check (and --no-expiry-check).
func writeExpiredFixtureRepo(t *testing.T, dir string, key testKey) *fixtureRepo {
	t.Helper()

	pkgBytes := []byte("package archive bytes for foo-1.0")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "foo", "1.0"), 0755))
	pkgPath := filepath.Join("foo", "1.0", "foo-1.0.tar.gz")
	require.NoError(t, os.WriteFile(filepath.Join(dir, pkgPath), pkgBytes, 0644))

	tarBytes := buildIndexTar(t, map[string][]byte{
		"foo/1.0/foo.cabal": []byte("name: foo\nversion: 1.0\n"),
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, indexTarName), tarBytes, 0644))
	tarInfo := fileInfoOf(tarBytes)

	targets := SignedTargets{
		header:  header{Type: "Targets", Version: 1, Expires: alreadyExpired()},
		Targets: map[string]FileInfo{pkgPath: fileInfoOf(pkgBytes)},
	}
	targetsBytes := signEnvelope(t, targets, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "targets.json"), targetsBytes, 0644))
	targetsInfo := fileInfoOf(targetsBytes)

	mirrors := SignedMirrors{
		header:  header{Type: "Mirrors", Version: 1, Expires: alreadyExpired()},
		Mirrors: []string{"file://unused-mirror"},
	}
	mirrorsBytes := signEnvelope(t, mirrors, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mirrors.json"), mirrorsBytes, 0644))
	mirrorsInfo := fileInfoOf(mirrorsBytes)

	snapshot := SignedSnapshot{
		header: header{Type: "Snapshot", Version: 1, Expires: alreadyExpired()},
		Meta: map[string]FileInfo{
			"targets.json": targetsInfo,
			"mirrors.json": mirrorsInfo,
			indexTarName:   tarInfo,
		},
	}
	snapBytes := signEnvelope(t, snapshot, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot.json"), snapBytes, 0644))
	snapInfo := fileInfoOf(snapBytes)

	timestamp := SignedTimestamp{
		header: header{Type: "Timestamp", Version: 1, Expires: alreadyExpired()},
		Meta:   map[string]FileInfo{"snapshot.json": snapInfo},
	}
	tsBytes := signEnvelope(t, timestamp, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "timestamp.json"), tsBytes, 0644))

	root := SignedRoot{
		header: header{Type: "Root", Version: 1, Expires: alreadyExpired()},
		Keys:   map[KeyID]PublicKey{key.id: key.pub},
		Roles: map[Role]RoleSpec{
			RoleRoot:      {KeyIDs: []KeyID{key.id}, Threshold: 1},
			RoleTimestamp: {KeyIDs: []KeyID{key.id}, Threshold: 1},
			RoleSnapshot:  {KeyIDs: []KeyID{key.id}, Threshold: 1},
			RoleTargets:   {KeyIDs: []KeyID{key.id}, Threshold: 1},
			RoleMirrors:   {KeyIDs: []KeyID{key.id}, Threshold: 1},
		},
	}
	rootBytes := signEnvelope(t, root, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "root.json"), rootBytes, 0644))

	return &fixtureRepo{dir: dir, key: key, pkgBytes: pkgBytes, pkgPath: pkgPath}
}

// rewriteTimestampVersion re-signs timestamp.json in dir at the given
// version, leaving every other file (in particular snapshot.json, whose
// FileInfo a cached trusted timestamp already pins) untouched - simulating a
// compromised or misconfigured server replaying an older timestamp.
func rewriteTimestampVersion(t *testing.T, dir string, key testKey, version int) {
	t.Helper()
	snapBytes, err := os.ReadFile(filepath.Join(dir, "snapshot.json"))
	require.NoError(t, err)
	snapInfo := fileInfoOf(snapBytes)

	timestamp := SignedTimestamp{
		header: header{Type: "Timestamp", Version: version, Expires: farFuture()},
		Meta:   map[string]FileInfo{"snapshot.json": snapInfo},
	}
	tsBytes := signEnvelope(t, timestamp, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "timestamp.json"), tsBytes, 0644))
}

// corruptSnapshotTargetsHash republishes snapshot.json (and the timestamp
// pointing to it) at version, keeping mirrors.json and the index tar's real
// hashes but pinning a targets.json hash that doesn't match the actual,
// untouched file on disk - simulating a corrupted mirror or tampered
// snapshot that mis-declares a hash for an otherwise-unchanged file.
func corruptSnapshotTargetsHash(t *testing.T, dir string, key testKey, version int) {
	t.Helper()
	targetsBytes, err := os.ReadFile(filepath.Join(dir, "targets.json"))
	require.NoError(t, err)
	mirrorsBytes, err := os.ReadFile(filepath.Join(dir, "mirrors.json"))
	require.NoError(t, err)
	tarBytes, err := os.ReadFile(filepath.Join(dir, indexTarName))
	require.NoError(t, err)

	badTargetsInfo := FileInfo{
		Length: int64(len(targetsBytes)),
		Hashes: map[string]string{hashAlgoSHA256: strings.Repeat("00", 32)},
	}

	snapshot := SignedSnapshot{
		header: header{Type: "Snapshot", Version: version, Expires: farFuture()},
		Meta: map[string]FileInfo{
			"targets.json": badTargetsInfo,
			"mirrors.json": fileInfoOf(mirrorsBytes),
			indexTarName:   fileInfoOf(tarBytes),
		},
	}
	snapBytes := signEnvelope(t, snapshot, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot.json"), snapBytes, 0644))
	snapInfo := fileInfoOf(snapBytes)

	timestamp := SignedTimestamp{
		header: header{Type: "Timestamp", Version: version, Expires: farFuture()},
		Meta:   map[string]FileInfo{"snapshot.json": snapInfo},
	}
	tsBytes := signEnvelope(t, timestamp, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "timestamp.json"), tsBytes, 0644))
}

// rewriteTargetsVersion republishes targets.json, keeping its Targets map
// unchanged, re-signed at targetsVersion, then republishes snapshot.json and
// timestamp.json at snapVersion (kept independent of targetsVersion so a
// test can drive the targets version down while the snapshot/timestamp
// versions keep climbing) so the new targets.json is actually synced rather
// than skipped by the unchanged-hash short-circuit - simulating a
// compromised or buggy snapshot pinning an older, still-validly-signed
// targets.json.
func rewriteTargetsVersion(t *testing.T, dir string, key testKey, targetsVersion, snapVersion int) {
	t.Helper()
	oldTargetsBytes, err := os.ReadFile(filepath.Join(dir, "targets.json"))
	require.NoError(t, err)
	oldEnv, err := decodeEnvelope(oldTargetsBytes)
	require.NoError(t, err)
	var oldTargets SignedTargets
	require.NoError(t, json.Unmarshal(oldEnv.Signed, &oldTargets))

	targets := SignedTargets{
		header:  header{Type: "Targets", Version: targetsVersion, Expires: farFuture()},
		Targets: oldTargets.Targets,
	}
	targetsBytes := signEnvelope(t, targets, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "targets.json"), targetsBytes, 0644))
	targetsInfo := fileInfoOf(targetsBytes)

	mirrorsBytes, err := os.ReadFile(filepath.Join(dir, "mirrors.json"))
	require.NoError(t, err)
	tarBytes, err := os.ReadFile(filepath.Join(dir, indexTarName))
	require.NoError(t, err)

	snapshot := SignedSnapshot{
		header: header{Type: "Snapshot", Version: snapVersion, Expires: farFuture()},
		Meta: map[string]FileInfo{
			"targets.json": targetsInfo,
			"mirrors.json": fileInfoOf(mirrorsBytes),
			indexTarName:   fileInfoOf(tarBytes),
		},
	}
	snapBytes := signEnvelope(t, snapshot, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot.json"), snapBytes, 0644))
	snapInfo := fileInfoOf(snapBytes)

	timestamp := SignedTimestamp{
		header: header{Type: "Timestamp", Version: snapVersion, Expires: farFuture()},
		Meta:   map[string]FileInfo{"snapshot.json": snapInfo},
	}
	tsBytes := signEnvelope(t, timestamp, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "timestamp.json"), tsBytes, 0644))
}

// rewriteMirrorsVersion is rewriteTargetsVersion's mirror-role counterpart:
// mirrors.json is republished unchanged except for its version, and
// snapshot/timestamp are bumped to snapVersion so the new mirrors.json is
// actually synced.
func rewriteMirrorsVersion(t *testing.T, dir string, key testKey, mirrorsVersion, snapVersion int) {
	t.Helper()
	oldMirrorsBytes, err := os.ReadFile(filepath.Join(dir, "mirrors.json"))
	require.NoError(t, err)
	oldEnv, err := decodeEnvelope(oldMirrorsBytes)
	require.NoError(t, err)
	var oldMirrors SignedMirrors
	require.NoError(t, json.Unmarshal(oldEnv.Signed, &oldMirrors))

	mirrors := SignedMirrors{
		header:  header{Type: "Mirrors", Version: mirrorsVersion, Expires: farFuture()},
		Mirrors: oldMirrors.Mirrors,
	}
	mirrorsBytes := signEnvelope(t, mirrors, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "mirrors.json"), mirrorsBytes, 0644))
	mirrorsInfo := fileInfoOf(mirrorsBytes)

	targetsBytes, err := os.ReadFile(filepath.Join(dir, "targets.json"))
	require.NoError(t, err)
	tarBytes, err := os.ReadFile(filepath.Join(dir, indexTarName))
	require.NoError(t, err)

	snapshot := SignedSnapshot{
		header: header{Type: "Snapshot", Version: snapVersion, Expires: farFuture()},
		Meta: map[string]FileInfo{
			"targets.json": fileInfoOf(targetsBytes),
			"mirrors.json": mirrorsInfo,
			indexTarName:   fileInfoOf(tarBytes),
		},
	}
	snapBytes := signEnvelope(t, snapshot, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "snapshot.json"), snapBytes, 0644))
	snapInfo := fileInfoOf(snapBytes)

	timestamp := SignedTimestamp{
		header: header{Type: "Timestamp", Version: snapVersion, Expires: farFuture()},
		Meta:   map[string]FileInfo{"snapshot.json": snapInfo},
	}
	tsBytes := signEnvelope(t, timestamp, key)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "timestamp.json"), tsBytes, 0644))
}

// newTestEngine wires a fresh Cache + LocalRepo + Engine against sourceDir, a
// directory already populated by writeFixtureRepo (or a variant of it).
func newTestEngine(t *testing.T, sourceDir string) (*Engine, *Cache, Repository) {
	t.Helper()
	cacheDir := t.TempDir()
	cache, err := NewCache(cacheDir, false, nil)
	require.NoError(t, err)
	repo, err := NewLocalRepo(sourceDir, cache)
	require.NoError(t, err)
	settings := &Settings{CacheRoot: cacheDir}
	engine, err := NewEngine(repo, settings)
	require.NoError(t, err)
	return engine, cache, repo
}
