// Package thumbnail implements an on-disk thumbnail cache following the
// freedesktop.org Thumbnail Managing Standard.
//
// A Store maps a source image path to a PNG thumbnail under
// <cache-dir>/thumbnails/<size>/<md5(uri)>.png, regenerating it whenever the
// source modification time no longer matches the Thumb::MTime stored in the
// thumbnail. Sources that fail to decode get a fail marker under
// fail/<app>-<version>/ so they are not retried.
//
// The cache directory is never locked by default. Entries are written to a
// temporary file inside the cache root and renamed into place, so concurrent
// readers only ever see complete files and concurrent writers of one key
// simply race (the last rename wins).
package thumbnail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chronosphereio/thumbcache/pkg/backends"
	"github.com/chronosphereio/thumbcache/pkg/locking"
	"github.com/chronosphereio/thumbcache/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/chronosphereio/thumbcache/pkg/thumbnail")

// Options configures a Store. Only CacheDir-independent fields have
// defaults: zero values select Normal size, ImageDecoder, no locking and no
// mirror.
type Options struct {
	// CacheDir is the per-user cache directory; thumbnails live in
	// CacheDir/thumbnails. Defaults to os.UserCacheDir().
	CacheDir string
	Size     SizeClass

	// AppName and AppVersion name the fail marker directory.
	AppName    string
	AppVersion string

	Decoder Decoder
	Locks   locking.Group
	Mirror  backends.Backend

	Logger  *slog.Logger
	Metrics *metrics.Collector
	Latency *metrics.LatencyTracker
}

// Store resolves source paths to cached thumbnail paths. It holds no mutable
// state of its own and is safe for concurrent use.
type Store struct {
	baseDir  string // <cache>/thumbnails, absolute
	thumbDir string
	failDir  string
	size     SizeClass
	software string

	decoder Decoder
	locks   locking.Group
	recheck bool // re-run the hit check once the key lock is held
	mirror  backends.Backend

	logger  *slog.Logger
	metrics *metrics.Collector
	latency *metrics.LatencyTracker
}

// New creates the cache directories (mode 0700) if absent and returns a Store.
func New(opts Options) (*Store, error) {
	cacheDir := opts.CacheDir
	if cacheDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("failed to find user cache directory: %w", err)
		}
		cacheDir = dir
	}

	// Convert to absolute path once at initialization so the cache-path
	// guard in Resolve compares like with like.
	absCacheDir, err := absPath(cacheDir)
	if err != nil {
		return nil, err
	}

	appName := opts.AppName
	if appName == "" {
		appName = "thumbcache"
	}
	appVersion := opts.AppVersion
	if appVersion == "" {
		appVersion = "0"
	}
	software := appName + "-" + appVersion

	baseDir := filepath.Join(absCacheDir, "thumbnails")
	s := &Store{
		baseDir:  baseDir,
		thumbDir: filepath.Join(baseDir, opts.Size.Dir()),
		failDir:  filepath.Join(baseDir, "fail", software),
		size:     opts.Size,
		software: software,
		decoder:  opts.Decoder,
		locks:    opts.Locks,
		mirror:   opts.Mirror,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		latency:  opts.Latency,
	}
	if s.decoder == nil {
		s.decoder = ImageDecoder{}
	}
	if s.locks == nil {
		s.locks = locking.NewNoOpGroup()
	}
	_, noop := s.locks.(*locking.NoOpGroup)
	s.recheck = !noop
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if err := os.MkdirAll(absCacheDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	for _, dir := range []string{s.baseDir, s.thumbDir, filepath.Dir(s.failDir), s.failDir} {
		if err := ensureDir(dir); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// ensureDir creates dir with owner-only access. Existing directories are
// left as they are.
func ensureDir(dir string) error {
	err := os.Mkdir(dir, 0700)
	if errors.Is(err, os.ErrExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	// Mkdir is subject to the umask.
	if err := os.Chmod(dir, 0700); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", dir, err)
	}
	return nil
}

// BaseDir returns the absolute thumbnail cache root.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// Size returns the store's size class.
func (s *Store) Size() SizeClass {
	return s.size
}

// ThumbnailPath returns the cache path for a cache key. Does not check if
// the file actually exists.
func (s *Store) ThumbnailPath(key string) string {
	return filepath.Join(s.thumbDir, key+Ext)
}

// FailPath returns the fail marker path for a cache key.
func (s *Store) FailPath(key string) string {
	return filepath.Join(s.failDir, key+Ext)
}

// IsCachePath reports whether path lies inside the thumbnail cache root.
func (s *Store) IsCachePath(path string) bool {
	abs, err := absPath(path)
	if err != nil {
		return false
	}
	return abs == s.baseDir || strings.HasPrefix(abs, s.baseDir+string(filepath.Separator))
}

// Resolve returns the path of an up-to-date thumbnail for path, creating it
// if needed.
//
// Paths already inside the cache are returned unchanged. Otherwise the
// steps run strictly in order: an existing thumbnail whose Thumb::MTime
// equals the source mtime is a hit; else a fail marker short-circuits with
// ErrThumbnailFailed; else the source is decoded and written. An unreadable
// source yields ErrSourceUnreadable without a fail marker. Errors writing
// the cache are returned for this call only and leave existing entries
// untouched.
func (s *Store) Resolve(ctx context.Context, path string) (string, error) {
	return s.resolve(ctx, path, false)
}

// Refresh is Resolve without the hit and fail-marker checks: it always
// decodes the source and overwrites whichever entry exists.
func (s *Store) Refresh(ctx context.Context, path string) (string, error) {
	return s.resolve(ctx, path, true)
}

// outcome carries a resolved path and its metrics label through a
// locking.Group.
type outcome struct {
	path  string
	label string
}

func (s *Store) resolve(ctx context.Context, path string, refresh bool) (string, error) {
	defer s.latency.Since(metrics.OpResolve, time.Now())

	// Never thumbnail a thumbnail.
	if s.IsCachePath(path) {
		s.metrics.Resolved(metrics.OutcomePassthrough)
		return path, nil
	}

	uri, err := SourceURI(path)
	if err != nil {
		s.metrics.Resolved(metrics.OutcomeUnreadable)
		return "", fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}
	key := CacheKey(uri)

	ctx, span := tracer.Start(ctx, "thumbnail.Resolve",
		trace.WithAttributes(
			attribute.String("thumbnail.key", key),
			attribute.String("thumbnail.size", s.size.Dir()),
			attribute.Bool("thumbnail.refresh", refresh),
		),
	)
	defer span.End()

	out, err := s.lookup(ctx, path, uri, key, refresh)
	s.metrics.Resolved(out.label)
	span.SetAttributes(attribute.String("thumbnail.outcome", out.label))
	if out.label == metrics.OutcomeError {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out.path, err
}

func (s *Store) lookup(ctx context.Context, src, uri, key string, refresh bool) (outcome, error) {
	thumbPath := s.ThumbnailPath(key)

	if !refresh {
		if s.isCurrent(src, thumbPath) {
			return outcome{thumbPath, metrics.OutcomeHit}, nil
		}
		if s.hasFailMarker(key) {
			return outcome{"", metrics.OutcomeFailCached}, ErrThumbnailFailed
		}
	}

	v, err := s.locks.DoWithLock(key, func() (interface{}, error) {
		// Whoever held the lock before us may have done the work already.
		if s.recheck && !refresh {
			if s.isCurrent(src, thumbPath) {
				return outcome{thumbPath, metrics.OutcomeHit}, nil
			}
			if s.hasFailMarker(key) {
				return outcome{"", metrics.OutcomeFailCached}, ErrThumbnailFailed
			}
		}
		return s.create(ctx, src, uri, key)
	})
	out, ok := v.(outcome)
	if !ok {
		// The group failed before running the function.
		out = outcome{"", metrics.OutcomeError}
	}
	return out, err
}

// isCurrent reports whether thumbPath holds a thumbnail whose stored mtime
// equals the current mtime of src.
func (s *Store) isCurrent(src, thumbPath string) bool {
	meta, err := ReadMetadata(thumbPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("ignoring unreadable thumbnail", "thumbnail", thumbPath, "error", err)
		}
		return false
	}
	info, err := os.Stat(src)
	if err != nil {
		return false
	}
	return meta.MTime == info.ModTime().Unix()
}

func (s *Store) hasFailMarker(key string) bool {
	_, err := os.Stat(s.FailPath(key))
	return err == nil
}

// create decodes src and writes its thumbnail, or a fail marker if decoding
// fails.
func (s *Store) create(ctx context.Context, src, uri, key string) (outcome, error) {
	info, err := os.Stat(src)
	if err != nil {
		return outcome{"", metrics.OutcomeUnreadable}, fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}
	if !info.Mode().IsRegular() {
		return outcome{"", metrics.OutcomeUnreadable}, fmt.Errorf("%w: %s is not a regular file", ErrSourceUnreadable, src)
	}
	// Cannot access source; create neither thumbnail nor fail marker.
	f, err := os.Open(src)
	if err != nil {
		return outcome{"", metrics.OutcomeUnreadable}, fmt.Errorf("%w: %w", ErrSourceUnreadable, err)
	}
	f.Close()

	meta := Metadata{
		URI:      uri,
		MTime:    info.ModTime().Unix(),
		Size:     info.Size(),
		Software: s.software,
	}
	thumbPath := s.ThumbnailPath(key)

	if s.mirror != nil && s.fetchMirrored(ctx, key, meta) {
		return outcome{thumbPath, metrics.OutcomeMirrored}, nil
	}

	start := time.Now()
	decoded, decodeErr := s.decoder.Decode(src, s.size.Pixels())
	s.metrics.ObserveDecode(time.Since(start))
	s.latency.Since(metrics.OpDecode, start)

	if decodeErr != nil && sourceGone(decodeErr) {
		// Deleted or locked between the checks above and the decode.
		return outcome{"", metrics.OutcomeUnreadable}, fmt.Errorf("%w: %w", ErrSourceUnreadable, decodeErr)
	}
	if decodeErr != nil {
		s.logger.Debug("thumbnail decode failed, writing fail marker",
			"path", src,
			"key", key,
			"error", decodeErr)
		if err := s.writeEntry(s.FailPath(key), failMarkerImage(), meta); err != nil {
			return outcome{"", metrics.OutcomeError}, fmt.Errorf("failed to write fail marker: %w", err)
		}
		return outcome{"", metrics.OutcomeFailed}, fmt.Errorf("%w: %w", ErrThumbnailFailed, decodeErr)
	}

	meta.Width, meta.Height = decoded.Width, decoded.Height
	if err := s.writeEntry(thumbPath, decoded.Image, meta); err != nil {
		return outcome{"", metrics.OutcomeError}, fmt.Errorf("failed to write thumbnail: %w", err)
	}

	// Only reachable via Refresh or a marker that appeared since the check.
	if err := os.Remove(s.FailPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove stale fail marker", "key", key, "error", err)
	}

	if s.mirror != nil {
		s.publish(ctx, key, thumbPath)
	}
	return outcome{thumbPath, metrics.OutcomeCreated}, nil
}

func sourceGone(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission)
}

// failMarkerImage is the 1x1 placeholder stored for undecodable sources.
func failMarkerImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 1, 1))
	img.Set(0, 0, color.Black)
	return img
}

// writeEntry atomically writes img with meta to dst.
func (s *Store) writeEntry(dst string, img image.Image, meta Metadata) error {
	return s.writeAtomic(dst, func(w io.Writer) error {
		return EncodePNG(w, img, meta)
	})
}

// writeAtomic writes to a temporary file in the cache root, then renames it
// onto dst. Rename within one filesystem is atomic, so dst is always either
// the previous complete file or the new complete file.
func (s *Store) writeAtomic(dst string, write func(io.Writer) error) error {
	// CreateTemp opens the file with mode 0600.
	tmp, err := os.CreateTemp(s.baseDir, ".tmp-*"+Ext)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	bw := bufio.NewWriter(tmp)
	err = write(bw)
	if err == nil {
		err = bw.Flush()
	}
	closeErr := tmp.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename into cache: %w", err)
	}
	return nil
}

func (s *Store) mirrorKey(key string) string {
	return s.size.Dir() + "/" + key + Ext
}

var errStaleMirror = errors.New("mirrored thumbnail is stale")

// fetchMirrored installs the mirror's copy of key if it describes the same
// source revision as want.
func (s *Store) fetchMirrored(ctx context.Context, key string, want Metadata) bool {
	defer s.latency.Since(metrics.OpRemoteGet, time.Now())

	rc, err := s.mirror.Get(ctx, s.mirrorKey(key))
	if err != nil {
		if !errors.Is(err, backends.ErrNotFound) {
			s.logger.Warn("failed to read thumbnail mirror", "key", key, "error", err)
		}
		return false
	}
	defer rc.Close()

	err = s.writeAtomic(s.ThumbnailPath(key), func(w io.Writer) error {
		// DecodeMetadata reads unbuffered, so the tee copies exactly the
		// header bytes it consumed.
		got, err := DecodeMetadata(io.TeeReader(rc, w))
		if err != nil {
			return err
		}
		if got.URI != want.URI || got.MTime != want.MTime {
			return errStaleMirror
		}
		_, err = io.Copy(w, rc)
		return err
	})
	if errors.Is(err, errStaleMirror) {
		s.logger.Debug("ignoring stale mirrored thumbnail", "key", key)
		return false
	}
	if err != nil {
		s.logger.Warn("failed to install mirrored thumbnail", "key", key, "error", err)
		return false
	}
	return true
}

// publish uploads a freshly created thumbnail to the mirror. Failures are
// logged and otherwise ignored.
func (s *Store) publish(ctx context.Context, key, thumbPath string) {
	f, err := os.Open(thumbPath)
	if err != nil {
		s.logger.Warn("failed to open thumbnail for mirroring", "key", key, "error", err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		s.logger.Warn("failed to stat thumbnail for mirroring", "key", key, "error", err)
		return
	}
	err = s.latency.RecordFunc(metrics.OpRemotePut, func() error {
		return s.mirror.Put(ctx, s.mirrorKey(key), f, info.Size())
	})
	if err != nil {
		s.logger.Warn("failed to mirror thumbnail", "key", key, "error", err)
	}
}

// Entry describes the cache state for one source path.
type Entry struct {
	Source        string
	URI           string
	Key           string
	ThumbnailPath string
	FailPath      string

	// Metadata is read from the thumbnail, or nil if none is readable.
	Metadata *Metadata
	// Current reports whether the thumbnail matches the source mtime.
	Current bool
	// Failed reports whether a fail marker exists.
	Failed bool
}

// Info inspects the cache entry for path without creating anything.
func (s *Store) Info(path string) (Entry, error) {
	uri, err := SourceURI(path)
	if err != nil {
		return Entry{}, err
	}
	key := CacheKey(uri)
	e := Entry{
		Source:        path,
		URI:           uri,
		Key:           key,
		ThumbnailPath: s.ThumbnailPath(key),
		FailPath:      s.FailPath(key),
		Failed:        s.hasFailMarker(key),
	}
	if meta, err := ReadMetadata(e.ThumbnailPath); err == nil {
		e.Metadata = &meta
		e.Current = s.isCurrent(path, e.ThumbnailPath)
	}
	return e, nil
}
