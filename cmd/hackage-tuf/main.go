// Command hackage-tuf is the reference front-end for the update engine: a
// thin flag-based CLI wrapping bootstrap, check, and get, exactly the three
// operations §6 of the spec names. It is not itself part of the verified
// core; everything interesting here is argument parsing and exit-code
// translation.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/kolide/hackage-tuf/tuf"
)

const (
	exitOK = iota
	exitVerificationFailure
	exitTransportFailure
	exitUsage
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: hackage-tuf <bootstrap|check|get> [flags]")
		return exitUsage
	}

	logger := log.NewLogfmtLogger(os.Stderr)

	switch args[0] {
	case "bootstrap":
		return runBootstrap(logger, args[1:])
	case "check":
		return runCheck(logger, args[1:])
	case "get":
		return runGet(logger, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		return exitUsage
	}
}

// repoFlags are the flags every subcommand shares: where the cache lives
// and where the repository is reached from.
type repoFlags struct {
	cacheRoot string
	remote    string
	local     string
	mirrors   string
}

func (r *repoFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&r.cacheRoot, "cache", "", "cache directory (required, must already exist)")
	fs.StringVar(&r.remote, "remote", "", "base URL of the remote repository")
	fs.StringVar(&r.local, "local", "", "path to a local directory-backed repository, instead of --remote")
	fs.StringVar(&r.mirrors, "mirrors", "", "comma-separated seed list of target-archive mirror URIs")
}

func (r *repoFlags) buildRepository(logger log.Logger, settings *tuf.Settings) (tuf.Repository, error) {
	cache, err := tuf.NewCache(settings.CacheRoot, settings.Durable, logger)
	if err != nil {
		return nil, err
	}
	if r.local != "" {
		return tuf.NewLocalRepo(r.local, cache)
	}
	if r.remote == "" {
		return nil, errors.New("one of --remote or --local is required")
	}
	return tuf.NewRemoteBackend(r.remote, settings.HTTPClient, cache, logger), nil
}

func (r *repoFlags) settings(logger log.Logger) *tuf.Settings {
	s := &tuf.Settings{
		CacheRoot:     r.cacheRoot,
		RemoteBaseURL: r.remote,
		Logger:        logger,
	}
	if r.mirrors != "" {
		s.Mirrors = strings.Split(r.mirrors, ",")
	}
	return s
}

type keyIDList []tuf.KeyID

func (k *keyIDList) String() string { return fmt.Sprint(*k) }
func (k *keyIDList) Set(v string) error {
	*k = append(*k, tuf.KeyID(v))
	return nil
}

func runBootstrap(logger log.Logger, args []string) int {
	fs := flag.NewFlagSet("bootstrap", flag.ContinueOnError)
	var rf repoFlags
	rf.register(fs)
	threshold := fs.Int("threshold", 1, "number of distinct caller-trusted root keys that must sign root.json")
	var rootKeys keyIDList
	fs.Var(&rootKeys, "root-key", "expected root key fingerprint (repeatable)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if rf.cacheRoot == "" || len(rootKeys) == 0 {
		fmt.Fprintln(os.Stderr, "bootstrap requires --cache and at least one --root-key")
		return exitUsage
	}

	settings := rf.settings(logger)
	repo, err := rf.buildRepository(logger, settings)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	engine, err := tuf.NewEngine(repo, settings)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	if err := engine.Bootstrap(rootKeys, *threshold); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	fmt.Println("OK")
	return exitOK
}

func runCheck(logger log.Logger, args []string) int {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	var rf repoFlags
	rf.register(fs)
	noExpiryCheck := fs.Bool("no-expiry-check", false, "skip the expires > now check")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if rf.cacheRoot == "" {
		fmt.Fprintln(os.Stderr, "check requires --cache")
		return exitUsage
	}

	settings := rf.settings(logger)
	if *noExpiryCheck {
		settings.CheckExpiry = tuf.NoExpiryCheck()
	}
	repo, err := rf.buildRepository(logger, settings)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	engine, err := tuf.NewEngine(repo, settings)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	result, err := engine.CheckForUpdates()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	fmt.Println(result)
	return exitOK
}

func runGet(logger log.Logger, args []string) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	var rf repoFlags
	rf.register(fs)
	out := fs.String("out", "", "destination path (required)")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() != 1 || rf.cacheRoot == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "usage: hackage-tuf get --cache DIR --out PATH [--remote URL|--local DIR] PACKAGE-ID")
		return exitUsage
	}
	targetPath := fs.Arg(0)

	settings := rf.settings(logger)
	repo, err := rf.buildRepository(logger, settings)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	engine, err := tuf.NewEngine(repo, settings)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}

	err = engine.DownloadPackage(targetPath, func(tempPath string) error {
		return atomicCopy(tempPath, *out)
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitCodeFor(err)
	}
	return exitOK
}

func atomicCopy(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrap(err, "opening verified temp file")
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(destPath), filepath.Base(destPath)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating destination temp file")
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "copying verified package to destination")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "closing destination temp file")
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "installing destination file")
	}
	return nil
}

// exitCodeFor maps the error taxonomy in §7 to the CLI's exit codes.
func exitCodeFor(err error) int {
	switch errors.Cause(err) {
	case tuf.ErrTransport:
		return exitTransportFailure
	default:
		return exitVerificationFailure
	}
}
