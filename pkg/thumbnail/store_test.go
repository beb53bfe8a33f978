package thumbnail

import (
	"context"
	"errors"
	"image"
	"image/png"
	"os"
	"os/user"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chronosphereio/thumbcache/pkg/backends"
	"github.com/chronosphereio/thumbcache/pkg/locking"
	"github.com/chronosphereio/thumbcache/pkg/metrics"
)

// countingDecoder is a Decoder test double that counts calls.
type countingDecoder struct {
	calls atomic.Int32
	fail  bool
	delay time.Duration
}

func (d *countingDecoder) Decode(path string, box int) (Decoded, error) {
	d.calls.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	if d.fail {
		return Decoded{}, errors.New("corrupt image")
	}
	return Decoded{
		Image:  image.NewRGBA(image.Rect(0, 0, box, box/2)),
		Width:  1024,
		Height: 512,
	}, nil
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.CacheDir == "" {
		opts.CacheDir = t.TempDir()
	}
	if opts.AppName == "" {
		opts.AppName = "test"
		opts.AppVersion = "1"
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

// writeSource creates a source file with the given mtime (seconds).
func writeSource(t *testing.T, dir, name string, mtime int64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("not really a jpeg"), 0644); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}
	touch(t, path, mtime)
	return path
}

func touch(t *testing.T, path string, mtime int64) {
	t.Helper()
	ts := time.Unix(mtime, 0)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}
}

func readMeta(t *testing.T, path string) Metadata {
	t.Helper()
	meta, err := ReadMetadata(path)
	if err != nil {
		t.Fatalf("ReadMetadata(%s) failed: %v", path, err)
	}
	return meta
}

func TestCacheKeyDeterministic(t *testing.T) {
	const uri = "file:///home/u/pics/photo.jpg"
	const want = "e2d58ed175e10d936c40cfd673b32c81"

	for i := 0; i < 3; i++ {
		if got := CacheKey(uri); got != want {
			t.Fatalf("CacheKey(%q) = %s, want %s", uri, got, want)
		}
	}
	if CacheKey(uri) == CacheKey(uri+"x") {
		t.Error("Distinct URIs produced the same key")
	}
}

func TestSourceURI(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	uri, err := SourceURI("~/pics/../pics/photo.jpg")
	if err != nil {
		t.Fatalf("SourceURI failed: %v", err)
	}
	if want := "file://" + filepath.Join(home, "pics", "photo.jpg"); uri != want {
		t.Errorf("Expected %s, got %s", want, uri)
	}
}

func TestSourceURINamedHome(t *testing.T) {
	u, err := user.Current()
	if err != nil || u.HomeDir == "" || u.Username == "" {
		t.Skipf("no current user: %v", err)
	}

	uri, err := SourceURI("~" + u.Username + "/pics/photo.jpg")
	if err != nil {
		t.Fatalf("SourceURI failed: %v", err)
	}
	if want := "file://" + filepath.Join(u.HomeDir, "pics", "photo.jpg"); uri != want {
		t.Errorf("Expected %s, got %s", want, uri)
	}

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	uri, err = SourceURI("~nosuchuser-thumbcache/a.jpg")
	if err != nil {
		t.Fatalf("Expected unknown user to stay literal, got %v", err)
	}
	if want := "file://" + filepath.Join(cwd, "~nosuchuser-thumbcache", "a.jpg"); uri != want {
		t.Errorf("Expected %s, got %s", want, uri)
	}
}

func TestNewCreatesPrivateDirs(t *testing.T) {
	s := newTestStore(t, Options{Size: Large})

	for _, dir := range []string{s.BaseDir(), s.thumbDir, s.failDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("Expected %s to exist: %v", dir, err)
		}
		if perm := info.Mode().Perm(); perm != 0700 {
			t.Errorf("Expected mode 0700 for %s, got %o", dir, perm)
		}
	}
	if filepath.Base(s.thumbDir) != "large" {
		t.Errorf("Expected large size directory, got %s", s.thumbDir)
	}
	if want := filepath.Join(s.BaseDir(), "fail", "test-1"); s.failDir != want {
		t.Errorf("Expected fail dir %s, got %s", want, s.failDir)
	}
}

func TestResolveCreatesThumbnail(t *testing.T) {
	dec := &countingDecoder{}
	s := newTestStore(t, Options{Decoder: dec})
	src := writeSource(t, t.TempDir(), "photo.jpg", 1000)

	got, err := s.Resolve(context.Background(), src)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	want := filepath.Join(s.BaseDir(), "normal", CacheKey("file://"+src)+".png")
	if got != want {
		t.Errorf("Expected %s, got %s", want, got)
	}
	if n := dec.calls.Load(); n != 1 {
		t.Errorf("Expected 1 decode, got %d", n)
	}

	meta := readMeta(t, got)
	if meta.URI != "file://"+src {
		t.Errorf("Expected URI file://%s, got %s", src, meta.URI)
	}
	if meta.MTime != 1000 {
		t.Errorf("Expected MTime 1000, got %d", meta.MTime)
	}
	if meta.Size != int64(len("not really a jpeg")) {
		t.Errorf("Expected Size %d, got %d", len("not really a jpeg"), meta.Size)
	}
	if meta.Width != 1024 || meta.Height != 512 {
		t.Errorf("Expected original 1024x512, got %dx%d", meta.Width, meta.Height)
	}
	if meta.Software != "test-1" {
		t.Errorf("Expected Software test-1, got %q", meta.Software)
	}

	info, err := os.Stat(got)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("Expected thumbnail mode 0600, got %o", perm)
	}
}

func TestResolveCacheHit(t *testing.T) {
	dec := &countingDecoder{}
	s := newTestStore(t, Options{Decoder: dec})
	src := writeSource(t, t.TempDir(), "photo.jpg", 1000)
	ctx := context.Background()

	first, err := s.Resolve(ctx, src)
	if err != nil {
		t.Fatalf("First Resolve failed: %v", err)
	}
	second, err := s.Resolve(ctx, src)
	if err != nil {
		t.Fatalf("Second Resolve failed: %v", err)
	}

	if first != second {
		t.Errorf("Expected same path, got %s and %s", first, second)
	}
	if n := dec.calls.Load(); n != 1 {
		t.Errorf("Expected 1 decode across two calls, got %d", n)
	}
}

func TestResolveStaleness(t *testing.T) {
	dec := &countingDecoder{}
	s := newTestStore(t, Options{Decoder: dec})
	src := writeSource(t, t.TempDir(), "photo.jpg", 1000)
	ctx := context.Background()

	first, err := s.Resolve(ctx, src)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if meta := readMeta(t, first); meta.MTime != 1000 {
		t.Fatalf("Expected MTime 1000, got %d", meta.MTime)
	}

	touch(t, src, 2000)
	second, err := s.Resolve(ctx, src)
	if err != nil {
		t.Fatalf("Resolve after touch failed: %v", err)
	}
	if second != first {
		t.Errorf("Expected the same cache filename, got %s and %s", first, second)
	}
	if n := dec.calls.Load(); n != 2 {
		t.Errorf("Expected 2 decodes after touch, got %d", n)
	}
	if meta := readMeta(t, second); meta.MTime != 2000 {
		t.Errorf("Expected MTime 2000, got %d", meta.MTime)
	}

	// An older mtime is also stale: equality, not ordering.
	touch(t, src, 500)
	if _, err := s.Resolve(ctx, src); err != nil {
		t.Fatalf("Resolve after backdating failed: %v", err)
	}
	if n := dec.calls.Load(); n != 3 {
		t.Errorf("Expected 3 decodes after backdating, got %d", n)
	}

	if _, err := s.Resolve(ctx, src); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if n := dec.calls.Load(); n != 3 {
		t.Errorf("Expected no further decode, got %d", n)
	}
}

func TestResolveFailMarker(t *testing.T) {
	dec := &countingDecoder{fail: true}
	s := newTestStore(t, Options{Decoder: dec})
	src := writeSource(t, t.TempDir(), "broken.jpg", 1000)
	ctx := context.Background()

	got, err := s.Resolve(ctx, src)
	if !errors.Is(err, ErrThumbnailFailed) {
		t.Fatalf("Expected ErrThumbnailFailed, got %v", err)
	}
	if got != "" {
		t.Errorf("Expected empty path, got %s", got)
	}
	if n := dec.calls.Load(); n != 1 {
		t.Errorf("Expected 1 decode, got %d", n)
	}

	key := CacheKey("file://" + src)
	meta := readMeta(t, s.FailPath(key))
	if meta.MTime != 1000 || meta.URI != "file://"+src {
		t.Errorf("Unexpected fail marker metadata: %+v", meta)
	}
	if _, err := os.Stat(s.ThumbnailPath(key)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected no thumbnail next to the fail marker, stat err: %v", err)
	}

	_, err = s.Resolve(ctx, src)
	if !errors.Is(err, ErrThumbnailFailed) {
		t.Fatalf("Expected ErrThumbnailFailed on second call, got %v", err)
	}
	if !IsNoThumbnail(err) {
		t.Error("Expected IsNoThumbnail to be true")
	}
	if n := dec.calls.Load(); n != 1 {
		t.Errorf("Expected no further decode, got %d", n)
	}
}

// The fail marker is keyed by URI only, so a repaired source at the same
// path stays failed until the marker is cleared.
func TestResolveFailMarkerOutlivesSourceChange(t *testing.T) {
	dec := &countingDecoder{fail: true}
	s := newTestStore(t, Options{Decoder: dec})
	src := writeSource(t, t.TempDir(), "broken.jpg", 1000)
	ctx := context.Background()

	s.Resolve(ctx, src)
	dec.fail = false
	touch(t, src, 2000)

	if _, err := s.Resolve(ctx, src); !errors.Is(err, ErrThumbnailFailed) {
		t.Fatalf("Expected ErrThumbnailFailed, got %v", err)
	}
	if n := dec.calls.Load(); n != 1 {
		t.Errorf("Expected 1 decode, got %d", n)
	}

	if err := os.Remove(s.FailPath(CacheKey("file://" + src))); err != nil {
		t.Fatalf("Failed to clear marker: %v", err)
	}
	if _, err := s.Resolve(ctx, src); err != nil {
		t.Fatalf("Expected success after clearing marker, got %v", err)
	}
}

func TestResolveCachePathPassthrough(t *testing.T) {
	dec := &countingDecoder{}
	s := newTestStore(t, Options{Decoder: dec})
	src := writeSource(t, t.TempDir(), "photo.jpg", 1000)
	ctx := context.Background()

	thumb, err := s.Resolve(ctx, src)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	got, err := s.Resolve(ctx, thumb)
	if err != nil {
		t.Fatalf("Resolve of cache path failed: %v", err)
	}
	if got != thumb {
		t.Errorf("Expected %s unchanged, got %s", thumb, got)
	}

	// Even a path that does not exist is returned as is.
	ghost := filepath.Join(s.BaseDir(), "large", "ghost.png")
	if got, _ := s.Resolve(ctx, ghost); got != ghost {
		t.Errorf("Expected %s unchanged, got %s", ghost, got)
	}
	if n := dec.calls.Load(); n != 1 {
		t.Errorf("Expected no decode for cache paths, got %d total", n)
	}
}

func TestResolveMissingSource(t *testing.T) {
	dec := &countingDecoder{}
	s := newTestStore(t, Options{Decoder: dec})
	src := filepath.Join(t.TempDir(), "gone.jpg")

	_, err := s.Resolve(context.Background(), src)
	if !errors.Is(err, ErrSourceUnreadable) {
		t.Fatalf("Expected ErrSourceUnreadable, got %v", err)
	}
	if n := dec.calls.Load(); n != 0 {
		t.Errorf("Expected no decode, got %d", n)
	}
	if _, err := os.Stat(s.FailPath(CacheKey("file://" + src))); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected no fail marker for a missing source, stat err: %v", err)
	}
}

func TestResolveSourceDeletedDuringDecode(t *testing.T) {
	src := writePNGSource(t, t.TempDir(), "photo.png", 64, 48)
	data, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}

	var deleted atomic.Bool
	s := newTestStore(t, Options{
		Decoder: DecoderFunc(func(path string, box int) (Decoded, error) {
			if deleted.CompareAndSwap(false, true) {
				os.Remove(path)
			}
			return ImageDecoder{}.Decode(path, box)
		}),
	})

	_, err = s.Resolve(context.Background(), src)
	if !errors.Is(err, ErrSourceUnreadable) {
		t.Fatalf("Expected ErrSourceUnreadable, got %v", err)
	}
	if errors.Is(err, ErrThumbnailFailed) {
		t.Errorf("A vanished source must not count as a decode failure: %v", err)
	}
	key := CacheKey("file://" + src)
	if _, err := os.Stat(s.FailPath(key)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected no fail marker, stat err: %v", err)
	}

	// Once the file is back the next lookup succeeds.
	if err := os.WriteFile(src, data, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	thumb, err := s.Resolve(context.Background(), src)
	if err != nil {
		t.Fatalf("Resolve after restore failed: %v", err)
	}
	if thumb != s.ThumbnailPath(key) {
		t.Errorf("Expected %s, got %s", s.ThumbnailPath(key), thumb)
	}
}

func TestResolvePermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	dec := &countingDecoder{}
	s := newTestStore(t, Options{Decoder: dec})
	src := writeSource(t, t.TempDir(), "secret.jpg", 1000)
	if err := os.Chmod(src, 0); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}

	_, err := s.Resolve(context.Background(), src)
	if !errors.Is(err, ErrSourceUnreadable) {
		t.Fatalf("Expected ErrSourceUnreadable, got %v", err)
	}
	if _, err := os.Stat(s.FailPath(CacheKey("file://" + src))); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected no fail marker, stat err: %v", err)
	}

	// Once readable again it is thumbnailed normally.
	os.Chmod(src, 0644)
	if _, err := s.Resolve(context.Background(), src); err != nil {
		t.Errorf("Expected success once readable, got %v", err)
	}
}

func TestResolveWriteFailureKeepsExistingEntry(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dec := &countingDecoder{}
	s := newTestStore(t, Options{Decoder: dec})
	src := writeSource(t, t.TempDir(), "photo.jpg", 1000)
	ctx := context.Background()

	thumb, err := s.Resolve(ctx, src)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	touch(t, src, 2000)
	if err := os.Chmod(s.thumbDir, 0500); err != nil {
		t.Fatalf("Chmod failed: %v", err)
	}
	defer os.Chmod(s.thumbDir, 0700)

	_, err = s.Resolve(ctx, src)
	if err == nil {
		t.Fatal("Expected a write error, got nil")
	}
	if IsNoThumbnail(err) {
		t.Errorf("Expected a cache write error, got %v", err)
	}

	if meta := readMeta(t, thumb); meta.MTime != 1000 {
		t.Errorf("Expected the previous entry intact, got MTime %d", meta.MTime)
	}
	leftovers, _ := filepath.Glob(filepath.Join(s.BaseDir(), ".tmp-*"))
	if len(leftovers) != 0 {
		t.Errorf("Expected temp files to be cleaned up, found %v", leftovers)
	}

	// The failure is not sticky.
	os.Chmod(s.thumbDir, 0700)
	if _, err := s.Resolve(ctx, src); err != nil {
		t.Errorf("Expected success after restoring permissions, got %v", err)
	}
}

func TestRefreshOverwritesFailMarker(t *testing.T) {
	dec := &countingDecoder{fail: true}
	s := newTestStore(t, Options{Decoder: dec})
	src := writeSource(t, t.TempDir(), "photo.jpg", 1000)
	ctx := context.Background()

	s.Resolve(ctx, src)
	dec.fail = false

	thumb, err := s.Refresh(ctx, src)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	key := CacheKey("file://" + src)
	if _, err := os.Stat(s.FailPath(key)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected fail marker removed, stat err: %v", err)
	}

	// Refresh decodes even when the thumbnail is current.
	if _, err := s.Refresh(ctx, src); err != nil {
		t.Fatalf("Second Refresh failed: %v", err)
	}
	if n := dec.calls.Load(); n != 3 {
		t.Errorf("Expected 3 decodes, got %d", n)
	}
	if got, _ := s.Resolve(ctx, src); got != thumb {
		t.Errorf("Expected hit on %s, got %s", thumb, got)
	}
}

func TestConcurrentResolveProducesCompleteFiles(t *testing.T) {
	s := newTestStore(t, Options{Size: Normal})
	src := writePNGSource(t, t.TempDir(), "big.png", 600, 400)
	info, _ := os.Stat(src)

	const n = 16
	var wg sync.WaitGroup
	paths := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			paths[i], errs[i] = s.Resolve(context.Background(), src)
			if errs[i] != nil {
				return
			}
			// Every caller must be able to read a complete PNG.
			f, err := os.Open(paths[i])
			if err != nil {
				errs[i] = err
				return
			}
			defer f.Close()
			img, err := png.Decode(f)
			if err != nil {
				errs[i] = err
				return
			}
			if b := img.Bounds(); b.Dx() != 128 || b.Dy() != 85 {
				errs[i] = errors.New("unexpected thumbnail bounds " + b.String())
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Errorf("Resolve %d: %v", i, errs[i])
		}
		if paths[i] != paths[0] {
			t.Errorf("Resolve %d returned %s, want %s", i, paths[i], paths[0])
		}
	}

	meta := readMeta(t, paths[0])
	if meta.MTime != info.ModTime().Unix() || meta.Width != 600 || meta.Height != 400 {
		t.Errorf("Unexpected metadata: %+v", meta)
	}
}

func TestResolveWithMemLockDecodesOnce(t *testing.T) {
	dec := &countingDecoder{delay: 20 * time.Millisecond}
	s := newTestStore(t, Options{Decoder: dec, Locks: locking.NewMemLock()})
	src := writeSource(t, t.TempDir(), "photo.jpg", 1000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Resolve(context.Background(), src); err != nil {
				t.Errorf("Resolve failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := dec.calls.Load(); n != 1 {
		t.Errorf("Expected a single decode under MemLock, got %d", n)
	}
}

func TestResolveUsesMirror(t *testing.T) {
	mirror, err := backends.NewDir(t.TempDir())
	if err != nil {
		t.Fatalf("NewDir failed: %v", err)
	}
	src := writeSource(t, t.TempDir(), "photo.jpg", 1000)
	ctx := context.Background()

	decA := &countingDecoder{}
	latA := metrics.NewLatencyTracker(0.01)
	a := newTestStore(t, Options{Decoder: decA, Mirror: mirror, Latency: latA})
	if _, err := a.Resolve(ctx, src); err != nil {
		t.Fatalf("Resolve on A failed: %v", err)
	}
	if stats, err := latA.GetStats(metrics.OpRemotePut); err != nil || stats.Count != 1 {
		t.Errorf("Expected one timed mirror upload, got %+v (err %v)", stats, err)
	}

	decB := &countingDecoder{}
	b := newTestStore(t, Options{Decoder: decB, Mirror: mirror})
	thumb, err := b.Resolve(ctx, src)
	if err != nil {
		t.Fatalf("Resolve on B failed: %v", err)
	}
	if n := decB.calls.Load(); n != 0 {
		t.Errorf("Expected B to reuse the mirrored thumbnail, got %d decodes", n)
	}
	if meta := readMeta(t, thumb); meta.MTime != 1000 {
		t.Errorf("Expected mirrored MTime 1000, got %d", meta.MTime)
	}

	// A stale mirrored copy is ignored.
	touch(t, src, 2000)
	c := newTestStore(t, Options{Decoder: &countingDecoder{}, Mirror: mirror})
	if _, err := c.Resolve(ctx, src); err != nil {
		t.Fatalf("Resolve on C failed: %v", err)
	}
	if n := c.decoder.(*countingDecoder).calls.Load(); n != 1 {
		t.Errorf("Expected C to decode past a stale mirror copy, got %d decodes", n)
	}
}

func TestInfo(t *testing.T) {
	s := newTestStore(t, Options{Decoder: &countingDecoder{}})
	src := writeSource(t, t.TempDir(), "photo.jpg", 1000)

	e, err := s.Info(src)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if e.Metadata != nil || e.Current || e.Failed {
		t.Errorf("Expected empty entry before resolve, got %+v", e)
	}

	s.Resolve(context.Background(), src)
	e, err = s.Info(src)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if e.Metadata == nil || !e.Current {
		t.Errorf("Expected a current entry, got %+v", e)
	}
	if e.Key != CacheKey(e.URI) {
		t.Errorf("Key %s does not match URI %s", e.Key, e.URI)
	}
}

func TestParseSizeClass(t *testing.T) {
	for name, want := range map[string]SizeClass{"normal": Normal, "large": Large} {
		got, err := ParseSizeClass(name)
		if err != nil || got != want {
			t.Errorf("ParseSizeClass(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseSizeClass("huge"); err == nil {
		t.Error("Expected error for unknown size")
	}
	if Normal.Pixels() != 128 || Large.Pixels() != 256 {
		t.Errorf("Unexpected pixel sizes %d/%d", Normal.Pixels(), Large.Pixels())
	}
}
