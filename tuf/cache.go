package tuf

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/hashicorp/golang-lru"
	gzip "github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

const (
	indexTarName    = "00-index.tar"
	indexTarGzName  = "00-index.tar.gz"
	indexIdxSuffix  = ".idx"
	tempFilePattern = ".tmp-*"
)

// Format is the tagged variant replacing the source's existential "Some
// Format": a cached or downloaded file is either the raw role/index bytes,
// or a gzip-compressed variant transparently decompressed for the caller.
type Format int

const (
	FormatRaw Format = iota
	FormatGzip
)

// CachePolicy controls what cache_remote_file does after installing a
// file: plain metadata is just installed, the index additionally triggers a
// tar-index rebuild.
type CachePolicy int

const (
	PolicyMetadata CachePolicy = iota
	PolicyIndex
	// PolicyIndexEntry installs a verified single-file fetch as a named
	// entry inside the package index tar rather than as a standalone
	// cached file. This is how the targets role reaches disk: per the
	// data model, targets.json is "accessed through the index, not as a
	// separately cached file" - it is snapshot-listed and independently
	// signed like root/timestamp/snapshot/mirrors, but has no dedicated
	// CachedFile slot of its own.
	PolicyIndexEntry
)

// Cache owns a cacheRoot directory exclusively: atomic persistence of
// verified metadata and the package index, plus the tar-index accelerator.
// Concurrent multi-process access to the same cacheRoot is unsupported (see
// Non-goals); within one process, indexMu serializes index rebuilds.
type Cache struct {
	root    string
	durable bool
	logger  log.Logger

	indexMu sync.Mutex

	// roleCache is a bounded in-process LRU of already-parsed, already-
	// verified role documents, keyed by "<kind>:<version>". It is pure
	// acceleration over the durable on-disk cache below: a miss always
	// falls back to disk, and nothing is ever evicted from disk because
	// it fell out of this LRU.
	roleCache *lru.Cache
}

// NewCache opens root as a cache directory. root must already exist; a
// Cache never creates its own root (mirroring the teacher's
// validatePath-before-use discipline in tuf/repo.go).
func NewCache(root string, durable bool, logger log.Logger) (*Cache, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, errors.Wrap(err, "tuf: cache root")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("tuf: cache root %q is not a directory", root)
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	roleCache, err := lru.New(8)
	if err != nil {
		return nil, errors.Wrap(err, "tuf: creating role cache")
	}
	return &Cache{root: root, durable: durable, logger: logger, roleCache: roleCache}, nil
}

func (c *Cache) path(kind CachedFile) string {
	return filepath.Join(c.root, kind.filename())
}

func (c *Cache) indexTarPath() string { return filepath.Join(c.root, indexTarName) }
func (c *Cache) indexIdxPath() string { return c.indexTarPath() + indexIdxSuffix }

// GetCached returns the path to the locally cached file for kind, or false
// if it is not present. ENOENT is treated as "not present", not an error.
func (c *Cache) GetCached(kind CachedFile) (string, bool, error) {
	p := c.path(kind)
	if _, err := os.Stat(p); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, errors.Wrap(err, "tuf: statting cached file")
	}
	return p, true, nil
}

// GetCachedRoot returns the path to the cached root.json. Its absence is a
// bootstrap precondition violation - a programmer error, not a recoverable
// condition - so this panics rather than returning an error, matching the
// InternalInvariant row of the error taxonomy.
func (c *Cache) GetCachedRoot() string {
	p := c.path(CachedRoot)
	if _, err := os.Stat(p); err != nil {
		invariantViolation("GetCachedRoot called before bootstrap: " + err.Error())
	}
	return p
}

// GetFromIndex resolves entryPath through the tar index. If the index file
// is missing or corrupt, it is rebuilt once and the lookup retried; a
// second failure yields (nil, false, nil) rather than an error, per the
// cache's self-healing failure semantics.
func (c *Cache) GetFromIndex(entryPath string) ([]byte, bool, error) {
	data, ok, err := c.tryReadIndex(entryPath)
	if err == nil {
		return data, ok, nil
	}
	if errors.Cause(err) != ErrCacheCorrupt {
		return nil, false, err
	}
	level.Warn(c.logger).Log("msg", "tar index unreadable, rebuilding", "err", err)
	if rebuildErr := c.RebuildIndex(); rebuildErr != nil {
		return nil, false, errors.Wrap(rebuildErr, "rebuilding corrupt tar index")
	}
	data, ok, err = c.tryReadIndex(entryPath)
	if err != nil {
		// second failure: self-healing didn't help, report "not present"
		// rather than erroring the whole update out.
		return nil, false, nil
	}
	return data, ok, nil
}

func (c *Cache) tryReadIndex(entryPath string) ([]byte, bool, error) {
	idx, existed, err := loadTarIndex(c.indexIdxPath())
	if err != nil {
		return nil, false, err
	}
	if !existed {
		return nil, false, errors.Wrap(ErrCacheCorrupt, "tar index not present")
	}
	entry, ok := idx.lookup(entryPath)
	if !ok {
		return nil, false, nil
	}
	data, err := readEntry(c.indexTarPath(), entry)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// RebuildIndex (re)builds the tar index, resuming from a readable partial
// index when one exists, per the resumable IndexBuilder algorithm in the
// data model section. This resumable form is only valid when the on-disk
// tar is known to be append-compatible with the offset table being resumed
// from (e.g. self-healing a corrupt/missing .idx file against a tar that
// hasn't otherwise changed) - see rebuildIndexFromScratch for the case
// where the tar itself was just wholesale replaced.
func (c *Cache) RebuildIndex() error {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	seed, _, err := loadTarIndex(c.indexIdxPath())
	if err != nil {
		// Corrupt prior index: rebuild from zero rather than propagating.
		seed = newTarIndex()
	}
	builder := newIndexBuilder(seed)
	rebuilt, err := builder.build(c.indexTarPath())
	if err != nil {
		return err
	}
	return c.installIndexFile(rebuilt)
}

// rebuildIndexFromScratch forces a from-zero index rebuild, ignoring
// whatever offset table is currently on disk. A full index-tar replacement
// (cacheRemoteFileTo's PolicyIndex branch, below) can shift every entry
// after the first - the same reason UpsertIndexEntry always seeds its
// rebuild with newTarIndex() rather than the prior offset table. Reusing a
// stale EndOffset against the newly installed tar would either stop
// indexing partway through (silently dropping genuinely new entries) or
// desync mid-record and fail a valid update with ErrCacheCorrupt.
func (c *Cache) rebuildIndexFromScratch() error {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	builder := newIndexBuilder(newTarIndex())
	rebuilt, err := builder.build(c.indexTarPath())
	if err != nil {
		return err
	}
	return c.installIndexFile(rebuilt)
}

func (c *Cache) installIndexFile(idx *tarIndex) error {
	r, w := io.Pipe()
	errc := make(chan error, 1)
	go func() {
		errc <- encodeJSONTo(w, idx)
		w.Close()
	}()
	if err := c.installAtomic(c.indexIdxPath(), r); err != nil {
		return errors.Wrap(err, "installing rebuilt tar index")
	}
	return <-errc
}

// CacheRemoteFile atomically installs a verified temp file as kind's cached
// artifact. When format is FormatGzip, the temp file's raw compressed bytes
// are cached in parallel at "<name>.gz" (the FGz/CacheAs combination named
// as an open question: implemented here for completeness even though it's
// only exercised by the index, the one file this client ever requests in
// compressed form) and the decompressed bytes become the canonical cached
// file. When policy is PolicyIndex, a tar-index rebuild is triggered after
// install.
func (c *Cache) CacheRemoteFile(tempPath string, kind CachedFile, format Format, policy CachePolicy) error {
	return c.cacheRemoteFileTo(tempPath, c.path(kind), format, policy)
}

// CacheRemoteIndex is the index-specific entry point: the destination
// filename isn't one of the four CachedFile roles, so it can't share
// CacheRemoteFile's kind-indexed path.
func (c *Cache) CacheRemoteIndex(tempPath string, format Format) error {
	return c.cacheRemoteFileTo(tempPath, c.indexTarPath(), format, PolicyIndex)
}

func (c *Cache) cacheRemoteFileTo(tempPath, destPath string, format Format, policy CachePolicy) error {
	defer os.Remove(tempPath)

	if format == FormatGzip {
		if err := c.installRawCopy(tempPath, destPath+".gz"); err != nil {
			return err
		}
	}

	src, err := os.Open(tempPath)
	if err != nil {
		return errors.Wrap(err, "tuf: opening verified temp file")
	}
	defer src.Close()

	var r io.Reader = src
	if format == FormatGzip {
		gz, err := gzip.NewReader(src)
		if err != nil {
			return errors.Wrap(err, "tuf: decompressing gzip variant")
		}
		defer gz.Close()
		r = gz
	}

	if err := c.installAtomic(destPath, r); err != nil {
		return err
	}

	if policy == PolicyIndex {
		return c.rebuildIndexFromScratch()
	}
	return nil
}

// UpsertIndexEntry inserts or replaces the entry named name inside the
// package index tar with data, then forces a full, non-resumable index
// rebuild - every entry after the modified one may have shifted in the
// rewritten tar, so the prior offset table can't simply be extended. This
// is the write path for the targets role (see PolicyIndexEntry): targets.json
// is independently signed and snapshot-listed like the other metadata
// roles, but is read back out through GetFromIndex rather than GetCached.
func (c *Cache) UpsertIndexEntry(name string, data []byte) error {
	c.indexMu.Lock()
	defer c.indexMu.Unlock()

	tmp, err := os.CreateTemp(c.root, "index-rewrite-*")
	if err != nil {
		return errors.Wrap(err, "tuf: creating temp file for index rewrite")
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	tw := tar.NewWriter(tmp)
	replaced := false

	existing, err := os.Open(c.indexTarPath())
	switch {
	case err == nil:
		tr := tar.NewReader(existing)
		for {
			hdr, terr := tr.Next()
			if terr == io.EOF {
				break
			}
			if terr != nil {
				existing.Close()
				tmp.Close()
				return errors.Wrap(ErrCacheCorrupt, "reading existing index tar: "+terr.Error())
			}
			if hdr.Name == name {
				hdr.Size = int64(len(data))
				if werr := tw.WriteHeader(hdr); werr != nil {
					existing.Close()
					tmp.Close()
					return errors.Wrap(werr, "tuf: rewriting index tar header")
				}
				if _, werr := tw.Write(data); werr != nil {
					existing.Close()
					tmp.Close()
					return errors.Wrap(werr, "tuf: rewriting index tar entry")
				}
				replaced = true
				continue
			}
			if werr := tw.WriteHeader(hdr); werr != nil {
				existing.Close()
				tmp.Close()
				return errors.Wrap(werr, "tuf: copying index tar header")
			}
			if _, werr := io.Copy(tw, tr); werr != nil {
				existing.Close()
				tmp.Close()
				return errors.Wrap(werr, "tuf: copying index tar entry")
			}
		}
		existing.Close()
	case os.IsNotExist(err):
		// No index tar yet; this upsert creates the first entry.
	default:
		tmp.Close()
		return errors.Wrap(err, "tuf: opening existing index tar")
	}

	if !replaced {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(data)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			tmp.Close()
			return errors.Wrap(err, "tuf: writing new index tar header")
		}
		if _, err := tw.Write(data); err != nil {
			tmp.Close()
			return errors.Wrap(err, "tuf: writing new index tar entry")
		}
	}
	if err := tw.Close(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "tuf: closing rewritten index tar")
	}
	if c.durable {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return errors.Wrap(err, "tuf: fsyncing rewritten index tar")
		}
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "tuf: closing temp index tar")
	}
	if err := atomicRename(tmpPath, c.indexTarPath()); err != nil {
		return errors.Wrap(err, "tuf: installing rewritten index tar")
	}
	cleanup = false
	if c.durable {
		if err := fsyncDir(c.root); err != nil {
			return errors.Wrap(err, "tuf: fsyncing cache directory")
		}
	}

	rebuilt, err := newIndexBuilder(newTarIndex()).build(c.indexTarPath())
	if err != nil {
		return err
	}
	return c.installIndexFile(rebuilt)
}

func (c *Cache) installRawCopy(srcPath, destPath string) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrap(err, "tuf: opening temp file for raw copy")
	}
	defer f.Close()
	return c.installAtomic(destPath, f)
}

// installAtomic writes r to a fresh path.tmp-* temp file in path's own
// directory, optionally
// fsyncs it, then renames over path. Rename is atomic on every filesystem
// this client targets (see platform.go/platform_windows.go), so a reader of
// path never observes a partial write (invariant P2).
func (c *Cache) installAtomic(path string, r io.Reader) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+tempFilePattern)
	if err != nil {
		return errors.Wrap(err, "tuf: creating temp file for atomic install")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed away

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return errors.Wrap(err, "tuf: writing temp file")
	}
	if c.durable {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return errors.Wrap(err, "tuf: fsyncing temp file")
		}
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "tuf: closing temp file")
	}
	if err := atomicRename(tmpPath, path); err != nil {
		return errors.Wrap(err, "tuf: renaming temp file into place")
	}
	if c.durable {
		if err := fsyncDir(dir); err != nil {
			return errors.Wrap(err, "tuf: fsyncing cache directory")
		}
	}
	return nil
}

// ClearCache removes the timestamp and snapshot files only; root and the
// index survive, as required after a root rotation invalidates trust in
// the old timestamp/snapshot signers. Missing files are not an error.
func (c *Cache) ClearCache() error {
	for _, kind := range []CachedFile{CachedTimestamp, CachedSnapshot} {
		if err := os.Remove(c.path(kind)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "tuf: clearing cached %s", kind.role())
		}
	}
	c.roleCache.Purge()
	return nil
}

func (c *Cache) cacheKey(kind CachedFile, version int) string {
	return kind.filename() + ":" + itoa(version)
}

func (c *Cache) rememberRole(kind CachedFile, version int, doc interface{}) {
	c.roleCache.Add(c.cacheKey(kind, version), doc)
}

func (c *Cache) recallRole(kind CachedFile, version int) (interface{}, bool) {
	return c.roleCache.Get(c.cacheKey(kind, version))
}
