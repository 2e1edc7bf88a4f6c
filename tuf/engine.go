package tuf

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
)

// Result reports whether CheckForUpdates found anything new to trust.
type Result int

const (
	NoUpdates Result = iota
	HasUpdates
)

func (r Result) String() string {
	if r == HasUpdates {
		return "HasUpdates"
	}
	return "NoUpdates"
}

// Engine is the update state machine (C7): bootstrap, check-for-updates,
// download-package. It owns no I/O of its own beyond what it drives through
// its Repository; the ordering, rollback, freeze, and mix-and-match
// guarantees described throughout the data model live here, at the one
// place every role transition passes through.
type Engine struct {
	repo     Repository
	settings *Settings
}

// NewEngine builds an Engine against repo, validating settings first.
func NewEngine(repo Repository, settings *Settings) (*Engine, error) {
	if err := settings.Verify(); err != nil {
		return nil, err
	}
	return &Engine{repo: repo, settings: settings}, nil
}

// Bootstrap installs an initial root.json (§4.7.1). It trusts the document
// only if at least threshold of fingerprints appear among the keys the
// document itself declares for the root role, that many signatures verify
// against specifically those matching keys, and the document's own declared
// threshold is independently satisfied by its full key set. Any failure
// aborts without writing anything, per the Repository callback contract:
// returning an error here deletes the temp file and installs nothing.
func (e *Engine) Bootstrap(fingerprints []KeyID, threshold int) error {
	if threshold < 1 {
		return errors.New("tuf: bootstrap threshold must be >= 1")
	}
	if len(fingerprints) == 0 {
		return errors.New("tuf: bootstrap requires at least one expected root key fingerprint")
	}
	now := e.settings.Clock.Now().UTC()

	rf := RemoteFile{
		Name:        "root.json",
		Formats:     []Format{FormatRaw},
		Length:      defaultMetadataLengthCeiling,
		CacheAs:     CachedRoot,
		IsFixedRole: true,
		Policy:      PolicyMetadata,
	}
	return e.repo.WithRemote(rf, func(format Format, tempPath string) error {
		raw, err := os.ReadFile(tempPath)
		if err != nil {
			return errors.Wrap(err, "tuf: reading bootstrap root.json")
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			return err
		}
		var sr SignedRoot
		if err := json.Unmarshal(env.Signed, &sr); err != nil {
			return errors.Wrap(ErrParse, err.Error())
		}
		if err := sr.validateKeyConsistency(); err != nil {
			return err
		}
		rootSpec, ok := sr.roleSpecFor(RoleRoot)
		if !ok {
			return errors.Wrap(ErrParse, "root document declares no root role spec")
		}
		if e.settings.checkExpiry() && !sr.Expires.After(now) {
			return errors.Wrapf(ErrExpired, "root expired at %s", sr.Expires)
		}

		registry := newKeyRegistry(sr.Keys)

		var matchedIDs []KeyID
		for _, kid := range rootSpec.KeyIDs {
			for _, want := range fingerprints {
				if kid == want {
					matchedIDs = append(matchedIDs, kid)
					break
				}
			}
		}
		if len(matchedIDs) < threshold {
			return errors.Wrapf(ErrVerificationFailed,
				"only %d expected root key fingerprints appear in the root document, need %d", len(matchedIDs), threshold)
		}
		restricted := RoleSpec{KeyIDs: matchedIDs, Threshold: threshold}
		if err := verifyThreshold(env, restricted, registry); err != nil {
			return errors.Wrap(err, "bootstrap: insufficient signatures from caller-trusted root keys")
		}
		if err := verifyThreshold(env, rootSpec, registry); err != nil {
			return err
		}
		return nil
	})
}

// loadCachedRoleInto reads kind's cached file, if present, and decodes its
// signed payload into out (a pointer to a concrete role type). It does not
// re-verify signatures: the cache is the durable record of what a prior
// verification already accepted, per the data model's lifecycle rules.
//
// Before unmarshaling the full document it probes just the version field and
// checks the repository's role LRU (Cache.roleCache): a hit for this exact
// (kind, version) means this process has already parsed this on-disk version
// once, and out can be populated by copying that prior result instead of
// running json.Unmarshal over the whole document again. A miss falls back
// to the full decode, the result of which is then remembered for next time.
func loadCachedRoleInto(repo Repository, kind CachedFile, out interface{}) (bool, error) {
	path, ok, err := repo.GetCached(kind)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, errors.Wrapf(err, "tuf: reading cached %s", kind.role())
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return false, err
	}

	var probe header
	if err := json.Unmarshal(env.Signed, &probe); err != nil {
		return false, errors.Wrap(ErrParse, err.Error())
	}
	if cached, hit := repo.RecallRole(kind, probe.Version); hit {
		copyRoleDocument(cached, out)
		return true, nil
	}

	if err := json.Unmarshal(env.Signed, out); err != nil {
		return false, errors.Wrap(ErrParse, err.Error())
	}
	repo.RememberRole(kind, probe.Version, out)
	return true, nil
}

// copyRoleDocument copies a role document previously handed to RememberRole
// into out, which must be a pointer to the same concrete type cached stores
// - loadCachedRoleInto only ever calls RecallRole with the kind it's about
// to copy into, so a mismatch here means the role LRU was populated with the
// wrong type somewhere, an InternalInvariant violation.
func copyRoleDocument(cached, out interface{}) {
	switch c := cached.(type) {
	case *SignedRoot:
		o, ok := out.(*SignedRoot)
		if !ok {
			invariantViolation("role cache type mismatch for root")
		}
		*o = *c
	case *SignedTimestamp:
		o, ok := out.(*SignedTimestamp)
		if !ok {
			invariantViolation("role cache type mismatch for timestamp")
		}
		*o = *c
	case *SignedSnapshot:
		o, ok := out.(*SignedSnapshot)
		if !ok {
			invariantViolation("role cache type mismatch for snapshot")
		}
		*o = *c
	case *SignedMirrors:
		o, ok := out.(*SignedMirrors)
		if !ok {
			invariantViolation("role cache type mismatch for mirrors")
		}
		*o = *c
	default:
		invariantViolation("role cache holds an unrecognized document type")
	}
}

// loadCachedTargetsInto reads the currently indexed targets.json, if
// present, and decodes its signed payload into out. Targets has no
// CachedFile slot of its own (it lives in the package index, see
// PolicyIndexEntry), so this reads through GetFromIndex instead of
// GetCached and has no role-LRU fast path the way loadCachedRoleInto does.
func loadCachedTargetsInto(repo Repository, out *SignedTargets) (bool, error) {
	raw, ok, err := repo.GetFromIndex("targets.json")
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	env, err := decodeEnvelope(raw)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(env.Signed, out); err != nil {
		return false, errors.Wrap(ErrParse, err.Error())
	}
	return true, nil
}

// fetchAndVerify drives one Repository.WithRemote call through the C1+C2+C3
// verification pipeline. If verification fails, the returned error causes
// the repository to delete the temp file and install nothing - no file is
// ever cached before it is verified (ordering guarantee in §5).
func (e *Engine) fetchAndVerify(rf RemoteFile, kind roleKind, spec RoleSpec, registry *keyRegistry, now time.Time) (*verifiedRole, error) {
	var out *verifiedRole
	err := e.repo.WithRemote(rf, func(format Format, tempPath string) error {
		raw, err := os.ReadFile(tempPath)
		if err != nil {
			return errors.Wrap(err, "tuf: reading downloaded temp file")
		}
		vr, err := verifyRole(raw, kind, spec, registry, e.settings.checkExpiry(), now)
		if err != nil {
			return err
		}
		out = vr
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// rotateRootChain implements S1: fetch N.root.json (N = current version + 1)
// verified against the *current* root's root-role keys/threshold, install
// it, clear the timestamp/snapshot caches (they may be signed by rotated-out
// keys), and repeat against the new current root. Stops on a 404-equivalent
// (no newer root) or after maxRootRotations iterations.
func (e *Engine) rotateRootChain(trusted *trustedRoot, now time.Time) (*trustedRoot, bool, error) {
	rotated := false
	for i := 0; i < maxRootRotations; i++ {
		next := trusted.signed.Version + 1
		spec, ok := trusted.roleSpec(RoleRoot)
		if !ok {
			return trusted, rotated, errors.Wrap(ErrParse, "trusted root declares no root role spec")
		}
		rf := RemoteFile{
			Name:        fmt.Sprintf("%d.root.json", next),
			Formats:     []Format{FormatRaw},
			Length:      defaultMetadataLengthCeiling,
			CacheAs:     CachedRoot,
			IsFixedRole: true,
			Policy:      PolicyMetadata,
		}
		vr, err := e.fetchAndVerify(rf, kindRoot, spec, trusted.registry, now)
		if err != nil {
			if errors.Cause(err) == errNotFound {
				break
			}
			return trusted, rotated, err
		}
		newRoot, ok := vr.doc.(*SignedRoot)
		if !ok {
			invariantViolation("root verification produced a non-root document")
		}
		if newRoot.Version != next {
			return trusted, rotated, errors.Wrapf(ErrRollback,
				"%d.root.json declares version %d, expected %d", next, newRoot.Version, next)
		}
		if err := newRoot.validateKeyConsistency(); err != nil {
			return trusted, rotated, err
		}
		if err := e.repo.ClearCache(); err != nil {
			return trusted, rotated, errors.Wrap(err, "clearing timestamp/snapshot after root rotation")
		}
		trusted = newTrustedRoot(*newRoot)
		rotated = true
	}
	return trusted, rotated, nil
}

// CheckForUpdates drives S0-S5: load the trusted root, rotate it forward if
// a newer one is published, refresh the timestamp, conditionally refresh
// the snapshot and everything it lists, and report whether anything
// changed. Every role verification happens in root -> timestamp -> snapshot
// -> {targets, mirrors, index} order; nothing is cached before it is
// verified, and a rollback anywhere aborts the whole call, leaving every
// previously-installed file exactly as it was.
func (e *Engine) CheckForUpdates() (Result, error) {
	now := e.settings.Clock.Now().UTC()

	// S0
	var oldRoot SignedRoot
	haveOldRoot, err := loadCachedRoleInto(e.repo, CachedRoot, &oldRoot)
	if err != nil {
		return NoUpdates, err
	}
	if !haveOldRoot {
		invariantViolation("check-for-updates called before bootstrap")
	}
	trusted := newTrustedRoot(oldRoot)

	// S1
	trusted, rotated, err := e.rotateRootChain(trusted, now)
	if err != nil {
		return NoUpdates, err
	}
	changed := rotated

	// S2
	var oldTimestamp SignedTimestamp
	haveOldTimestamp, err := loadCachedRoleInto(e.repo, CachedTimestamp, &oldTimestamp)
	if err != nil {
		return NoUpdates, err
	}
	tsSpec, ok := trusted.roleSpec(RoleTimestamp)
	if !ok {
		return NoUpdates, errors.Wrap(ErrParse, "trusted root declares no timestamp role spec")
	}
	tsRF := RemoteFile{
		Name:        "timestamp.json",
		Formats:     []Format{FormatRaw},
		Length:      defaultMetadataLengthCeiling,
		CacheAs:     CachedTimestamp,
		IsFixedRole: true,
		Policy:      PolicyMetadata,
	}
	tsVR, err := e.fetchAndVerify(tsRF, kindTimestamp, tsSpec, trusted.registry, now)
	if err != nil {
		return NoUpdates, err
	}
	newTimestamp, ok := tsVR.doc.(*SignedTimestamp)
	if !ok {
		invariantViolation("timestamp verification produced the wrong document type")
	}
	if haveOldTimestamp && newTimestamp.Version < oldTimestamp.Version {
		return NoUpdates, errors.Wrapf(ErrRollback,
			"timestamp version %d is less than trusted version %d", newTimestamp.Version, oldTimestamp.Version)
	}
	if !haveOldTimestamp || newTimestamp.Version != oldTimestamp.Version {
		changed = true
	}

	newSnapshotInfo, ok := newTimestamp.Meta["snapshot.json"]
	if !ok {
		return NoUpdates, errors.Wrap(ErrParse, "timestamp declares no snapshot.json entry")
	}

	// S3: "matches cached snapshot" is answered by comparing against the
	// FileInfo the *previous* trusted timestamp recorded for snapshot.json -
	// that's exactly the hash the currently cached snapshot.json was
	// verified against, so reusing it avoids re-hashing the file on disk.
	var oldSnapshot SignedSnapshot
	haveOldSnapshot, err := loadCachedRoleInto(e.repo, CachedSnapshot, &oldSnapshot)
	if err != nil {
		return NoUpdates, err
	}
	snapshotUnchanged := haveOldTimestamp && haveOldSnapshot
	if snapshotUnchanged {
		oldSnapshotInfo, ok := oldTimestamp.Meta["snapshot.json"]
		snapshotUnchanged = ok && oldSnapshotInfo.equal(newSnapshotInfo)
	}

	var trustedSnapshot *SignedSnapshot
	if snapshotUnchanged {
		trustedSnapshot = &oldSnapshot
	} else {
		snapSpec, ok := trusted.roleSpec(RoleSnapshot)
		if !ok {
			return NoUpdates, errors.Wrap(ErrParse, "trusted root declares no snapshot role spec")
		}
		snapRF := RemoteFile{
			Name:         "snapshot.json",
			Formats:      []Format{FormatRaw},
			Length:       newSnapshotInfo.Length,
			ExpectedHash: &newSnapshotInfo,
			CacheAs:      CachedSnapshot,
			IsFixedRole:  true,
			Policy:       PolicyMetadata,
		}
		snapVR, err := e.fetchAndVerify(snapRF, kindSnapshot, snapSpec, trusted.registry, now)
		if err != nil {
			return NoUpdates, err
		}
		newSnapshot, ok := snapVR.doc.(*SignedSnapshot)
		if !ok {
			invariantViolation("snapshot verification produced the wrong document type")
		}
		if haveOldSnapshot && newSnapshot.Version < oldSnapshot.Version {
			return NoUpdates, errors.Wrapf(ErrRollback,
				"snapshot version %d is less than trusted version %d", newSnapshot.Version, oldSnapshot.Version)
		}
		trustedSnapshot = newSnapshot
		changed = true
	}

	// S4
	targetsSpec, ok := trusted.roleSpec(RoleTargets)
	if !ok {
		return NoUpdates, errors.Wrap(ErrParse, "trusted root declares no targets role spec")
	}
	mirrorsSpec, ok := trusted.roleSpec(RoleMirrors)
	if !ok {
		return NoUpdates, errors.Wrap(ErrParse, "trusted root declares no mirrors role spec")
	}

	// Snapshot entries are synced in a fixed order, not map iteration order:
	// the package index tar must land before targets.json is upserted into
	// it (PolicyIndexEntry), or a later index-tar install would silently
	// overwrite the just-upserted entry (CacheRemoteIndex replaces the
	// whole tar file, it doesn't merge).
	orderedNames := make([]string, 0, len(trustedSnapshot.Meta))
	for _, name := range []string{indexTarName, indexTarGzName, "targets.json", "mirrors.json"} {
		if _, ok := trustedSnapshot.Meta[name]; ok {
			orderedNames = append(orderedNames, name)
		}
	}
	for name := range trustedSnapshot.Meta {
		switch name {
		case "root.json", indexTarName, indexTarGzName, "targets.json", "mirrors.json":
			continue
		default:
			orderedNames = append(orderedNames, name)
		}
	}

	for _, name := range orderedNames {
		fi := trustedSnapshot.Meta[name]
		var syncErr error
		switch name {
		case "targets.json":
			syncErr = e.syncTargets(fi, targetsSpec, trusted.registry, now, haveOldSnapshot, oldSnapshot, &changed)
		case "mirrors.json":
			syncErr = e.syncMirrors(fi, mirrorsSpec, trusted.registry, now, haveOldSnapshot, oldSnapshot, &changed)
		case indexTarName, indexTarGzName:
			syncErr = e.syncIndex(name, fi, haveOldSnapshot, oldSnapshot, &changed)
		default:
			level.Debug(e.settings.Logger).Log("msg", "ignoring unrecognized snapshot entry", "name", name)
			continue
		}
		if syncErr != nil {
			return NoUpdates, syncErr
		}
	}

	// S5: every file above was atomically installed as soon as it verified;
	// there is no further commit step.
	if changed {
		return HasUpdates, nil
	}
	return NoUpdates, nil
}

// syncTargets fetches targets.json (unless the snapshot entry still matches
// what's already in the index) and installs it as an index entry rather
// than a standalone cached file (§4.3). Per invariant 1, a freshly fetched
// targets.json must not roll back the version already trusted, even though
// the snapshot that lists it verified and its own threshold+expiry checked
// out - a compromised or buggy snapshot could otherwise pin the hash of an
// old, still-validly-signed targets.json and this client would accept it.
func (e *Engine) syncTargets(fi FileInfo, spec RoleSpec, registry *keyRegistry, now time.Time, haveOldSnapshot bool, oldSnapshot SignedSnapshot, changed *bool) error {
	var oldTargets SignedTargets
	haveOldTargets, err := loadCachedTargetsInto(e.repo, &oldTargets)
	if err != nil {
		return err
	}

	if haveOldSnapshot {
		if old, ok := oldSnapshot.Meta["targets.json"]; ok && old.equal(fi) {
			if _, present, err := e.repo.GetFromIndex("targets.json"); err == nil && present {
				return nil
			}
		}
	}
	rf := RemoteFile{
		Name:         "targets.json",
		Formats:      []Format{FormatRaw},
		Length:       fi.Length,
		ExpectedHash: &fi,
		IsFixedRole:  false,
		Policy:       PolicyIndexEntry,
	}
	vr, err := e.fetchAndVerify(rf, kindTargets, spec, registry, now)
	if err != nil {
		return err
	}
	newTargets, ok := vr.doc.(*SignedTargets)
	if !ok {
		invariantViolation("targets verification produced the wrong document type")
	}
	if haveOldTargets && newTargets.Version < oldTargets.Version {
		return errors.Wrapf(ErrRollback,
			"targets version %d is less than trusted version %d", newTargets.Version, oldTargets.Version)
	}
	*changed = true
	return nil
}

// syncMirrors fetches mirrors.json (unless the snapshot entry still matches
// what's already cached), enforcing the same non-decreasing-version
// invariant as syncTargets.
func (e *Engine) syncMirrors(fi FileInfo, spec RoleSpec, registry *keyRegistry, now time.Time, haveOldSnapshot bool, oldSnapshot SignedSnapshot, changed *bool) error {
	var oldMirrors SignedMirrors
	haveOldMirrors, err := loadCachedRoleInto(e.repo, CachedMirrors, &oldMirrors)
	if err != nil {
		return err
	}

	if haveOldSnapshot {
		if old, ok := oldSnapshot.Meta["mirrors.json"]; ok && old.equal(fi) {
			if _, present, err := e.repo.GetCached(CachedMirrors); err == nil && present {
				return nil
			}
		}
	}
	rf := RemoteFile{
		Name:         "mirrors.json",
		Formats:      []Format{FormatRaw},
		Length:       fi.Length,
		ExpectedHash: &fi,
		CacheAs:      CachedMirrors,
		IsFixedRole:  true,
		Policy:       PolicyMetadata,
	}
	vr, err := e.fetchAndVerify(rf, kindMirrors, spec, registry, now)
	if err != nil {
		return err
	}
	newMirrors, ok := vr.doc.(*SignedMirrors)
	if !ok {
		invariantViolation("mirrors verification produced the wrong document type")
	}
	if haveOldMirrors && newMirrors.Version < oldMirrors.Version {
		return errors.Wrapf(ErrRollback,
			"mirrors version %d is less than trusted version %d", newMirrors.Version, oldMirrors.Version)
	}
	*changed = true
	return nil
}

// syncIndex fetches the package index tar (name is either the raw or gzip
// snapshot-listed name) unless the snapshot entry is unchanged from what's
// already cached. The index has no signature envelope of its own: its
// integrity rests entirely on the snapshot's hash pin, enforced by the
// Repository's streaming verification against fi (mix-and-match protection).
func (e *Engine) syncIndex(name string, fi FileInfo, haveOldSnapshot bool, oldSnapshot SignedSnapshot, changed *bool) error {
	if haveOldSnapshot {
		if old, ok := oldSnapshot.Meta[name]; ok && old.equal(fi) {
			return nil
		}
	}
	format := FormatRaw
	if name == indexTarGzName {
		format = FormatGzip
	}
	rf := RemoteFile{
		Name:         indexTarName,
		Formats:      []Format{format},
		Length:       fi.Length,
		ExpectedHash: &fi,
		IsFixedRole:  false,
		Policy:       PolicyIndex,
	}
	if err := e.repo.WithRemote(rf, func(Format, string) error { return nil }); err != nil {
		return err
	}
	*changed = true
	return nil
}

// mirrorsList returns the trusted mirror URIs: the cached mirrors.json if
// present, else the caller-supplied Settings.Mirrors seed.
func (e *Engine) mirrorsList() ([]string, error) {
	var sm SignedMirrors
	ok, err := loadCachedRoleInto(e.repo, CachedMirrors, &sm)
	if err != nil {
		return nil, err
	}
	if ok && len(sm.Mirrors) > 0 {
		return sm.Mirrors, nil
	}
	if len(e.settings.Mirrors) > 0 {
		return e.settings.Mirrors, nil
	}
	return nil, errors.New("tuf: no mirrors available")
}

// DownloadPackage resolves targetPath through the trusted targets role and
// fetches it from a mirror, verified against its pre-declared FileInfo
// (§4.7.3). The caller is responsible for having run CheckForUpdates
// recently enough; at minimum a snapshot and a targets entry must already
// be in cache, or this panics as an InternalInvariant violation.
func (e *Engine) DownloadPackage(targetPath string, handler func(tempPath string) error) error {
	if _, ok, err := e.repo.GetCached(CachedSnapshot); err != nil {
		return err
	} else if !ok {
		invariantViolation("download-package called before any successful check-for-updates")
	}

	targetsBytes, ok, err := e.repo.GetFromIndex("targets.json")
	if err != nil {
		return err
	}
	if !ok {
		invariantViolation("targets.json missing from the index after a successful check-for-updates")
	}
	env, err := decodeEnvelope(targetsBytes)
	if err != nil {
		return err
	}
	var targets SignedTargets
	if err := json.Unmarshal(env.Signed, &targets); err != nil {
		return errors.Wrap(ErrParse, err.Error())
	}

	fi, ok := targets.Targets[targetPath]
	if !ok {
		return errors.Wrap(ErrUnknownTarget, targetPath)
	}

	mirrors, err := e.mirrorsList()
	if err != nil {
		return err
	}

	return e.repo.FetchTarget(mirrors, targetPath, fi, handler)
}
