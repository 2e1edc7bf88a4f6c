package tuf

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// LocalRepo implements Repository against a pre-seeded directory of role
// files and an index tar, with no network involved. It shares a Cache with
// RemoteBackend so the two are interchangeable from the engine's point of
// view: "download" from a LocalRepo is just a verified copy from
// sourceDir into the cache's temp-file/atomic-install pipeline.
type LocalRepo struct {
	sourceDir string
	cache     *Cache
}

// NewLocalRepo builds a Repository that reads already-downloaded files from
// sourceDir (e.g. a pre-populated mirror checkout, or another process's
// export) instead of the network.
func NewLocalRepo(sourceDir string, cache *Cache) (*LocalRepo, error) {
	fi, err := os.Stat(sourceDir)
	if err != nil {
		return nil, errors.Wrap(err, "tuf: local repo source directory")
	}
	if !fi.IsDir() {
		return nil, errors.Errorf("tuf: local repo source %q is not a directory", sourceDir)
	}
	return &LocalRepo{sourceDir: sourceDir, cache: cache}, nil
}

func (r *LocalRepo) WithRemote(rf RemoteFile, cb func(format Format, tempPath string) error) error {
	format, err := rf.preferredFormat()
	if err != nil {
		return err
	}
	srcPath := filepath.Join(r.sourceDir, rf.Name)
	if format == FormatGzip {
		srcPath += ".gz"
	}

	tmp, err := os.CreateTemp(r.cache.root, "local-fetch-*")
	if err != nil {
		return errors.Wrap(err, "tuf: creating temp file for local fetch")
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	src, err := os.Open(srcPath)
	if err != nil {
		tmp.Close()
		if os.IsNotExist(err) {
			return errNotFound
		}
		return errors.Wrap(ErrTransport, "opening local source file: "+err.Error())
	}
	defer src.Close()

	limited := io.LimitReader(src, rf.Length+1)
	n, err := io.Copy(tmp, limited)
	tmp.Close()
	if err != nil {
		return errors.Wrap(err, "tuf: copying local source file")
	}
	if n > rf.Length {
		return errors.Wrap(ErrVerificationFailed, "local source file exceeds declared length")
	}
	if rf.ExpectedHash != nil {
		f, err := os.Open(tmpPath)
		if err != nil {
			return errors.Wrap(err, "tuf: reopening temp file for verification")
		}
		verr := rf.ExpectedHash.verifyStream(f)
		f.Close()
		if verr != nil {
			return verr
		}
	}

	if err := cb(format, tmpPath); err != nil {
		return err
	}
	cleanup = false
	return r.install(rf, format, tmpPath)
}

func (r *LocalRepo) install(rf RemoteFile, format Format, tmpPath string) error {
	if rf.Policy == PolicyIndexEntry {
		data, err := os.ReadFile(tmpPath)
		if err != nil {
			return errors.Wrap(err, "tuf: reading verified temp file for index entry")
		}
		return r.cache.UpsertIndexEntry(rf.Name, data)
	}
	if rf.IsFixedRole {
		return r.cache.CacheRemoteFile(tmpPath, rf.CacheAs, format, rf.Policy)
	}
	return r.cache.CacheRemoteIndex(tmpPath, format)
}

func (r *LocalRepo) FetchTarget(mirrors []string, targetPath string, fi FileInfo, cb func(tempPath string) error) error {
	srcPath := filepath.Join(r.sourceDir, targetPath)
	tmp, err := os.CreateTemp(r.cache.root, "local-target-*")
	if err != nil {
		return errors.Wrap(err, "tuf: creating temp file for local target fetch")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	src, err := os.Open(srcPath)
	if err != nil {
		tmp.Close()
		return errors.Wrap(ErrTransport, "opening local target file: "+err.Error())
	}
	defer src.Close()

	_, err = io.Copy(tmp, src)
	tmp.Close()
	if err != nil {
		return errors.Wrap(err, "tuf: copying local target file")
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return errors.Wrap(err, "tuf: reopening temp target file for verification")
	}
	verr := fi.verifyStream(f)
	f.Close()
	if verr != nil {
		return verr
	}

	return cb(tmpPath)
}

func (r *LocalRepo) GetCached(kind CachedFile) (string, bool, error) { return r.cache.GetCached(kind) }
func (r *LocalRepo) GetCachedRoot() string                          { return r.cache.GetCachedRoot() }
func (r *LocalRepo) GetFromIndex(path string) ([]byte, bool, error) { return r.cache.GetFromIndex(path) }
func (r *LocalRepo) ClearCache() error                              { return r.cache.ClearCache() }

func (r *LocalRepo) RememberRole(kind CachedFile, version int, doc interface{}) {
	r.cache.rememberRole(kind, version, doc)
}

func (r *LocalRepo) RecallRole(kind CachedFile, version int) (interface{}, bool) {
	return r.cache.recallRole(kind, version)
}
