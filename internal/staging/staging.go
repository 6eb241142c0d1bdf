// Package staging owns the on-disk working area for conversion jobs. Every
// job gets exclusively-owned, uniquely-named files, and every file it
// creates is removed when the job releases its workspace.
package staging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/you/tg-converter/internal/apperr"
	"github.com/you/tg-converter/internal/session"
)

var ErrNoSpace = errors.New("not enough free space in staging area")

// Fetcher opens the bytes behind a front-end file id.
type Fetcher interface {
	Open(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// FreeSpaceFunc reports free bytes on the filesystem holding path.
type FreeSpaceFunc func(path string) (uint64, error)

func diskFree(path string) (uint64, error) {
	u, err := disk.Usage(path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// Area is the staging directory shared by all jobs.
type Area struct {
	root    string
	maxSize int64
	minFree int64
	free    FreeSpaceFunc

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

type Option func(*Area)

// WithFreeSpace replaces the disk probe, mainly for tests.
func WithFreeSpace(f FreeSpaceFunc) Option { return func(a *Area) { a.free = f } }

// NewArea prepares root/jobs and returns the area. maxSize bounds a single
// staged source; minFree is the headroom kept on the filesystem.
func NewArea(root string, maxSize, minFree int64, opts ...Option) (*Area, error) {
	dir := filepath.Join(root, "jobs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.Staging("create staging area", err)
	}
	a := &Area{
		root:    dir,
		maxSize: maxSize,
		minFree: minFree,
		free:    diskFree,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

func (a *Area) Root() string { return a.root }

func (a *Area) newULID() string {
	a.entropyMu.Lock()
	defer a.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), a.entropy).String()
}

// create makes a fresh file that did not exist before.
func (a *Area) create(jobID, role, ext string) (*os.File, error) {
	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("%s-%s-%s%s", jobID, role, a.newULID(), ext)
		f, err := os.OpenFile(filepath.Join(a.root, name), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return f, err
	}
	return nil, fmt.Errorf("could not allocate a unique name for job %s", jobID)
}

// Release removes paths. Missing files are fine; other failures are logged
// and never returned.
func (a *Area) Release(paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", p).Msg("staging cleanup failed")
		}
	}
}

// Sweep removes files left behind by jobs that died with the process.
func (a *Area) Sweep(olderThan time.Duration) int {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		log.Warn().Err(err).Str("dir", a.root).Msg("staging sweep failed")
		return 0
	}
	cutoff := time.Now().Add(-olderThan)
	n := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || e.IsDir() || info.ModTime().After(cutoff) {
			continue
		}
		a.Release(filepath.Join(a.root, e.Name()))
		n++
	}
	return n
}

// Open starts a workspace for one job.
func (a *Area) Open(jobID string) *Workspace {
	return &Workspace{area: a, jobID: jobID}
}

// Workspace tracks the files of a single job.
type Workspace struct {
	area  *Area
	jobID string

	mu       sync.Mutex
	paths    []string
	released bool
	once     sync.Once
}

func (w *Workspace) track(p string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return errors.New("workspace already released")
	}
	w.paths = append(w.paths, p)
	return nil
}

// Stage copies the source into a fresh input file. onProgress, if set,
// receives bytes written so far and the declared total.
func (w *Workspace) Stage(ctx context.Context, ref session.SourceRef, f Fetcher, onProgress func(written, total int64)) (string, error) {
	if ref.Size > w.area.maxSize {
		return "", apperr.Staging("stage", fmt.Errorf("%w: %d > %d bytes", apperr.ErrTooLarge, ref.Size, w.area.maxSize))
	}
	if err := w.area.checkSpace(ref.Size); err != nil {
		return "", err
	}

	dst, err := w.area.create(w.jobID, "in", sourceExt(ref.Name))
	if err != nil {
		return "", apperr.Staging("allocate input", err)
	}
	path := dst.Name()
	if err := w.track(path); err != nil {
		dst.Close()
		w.area.Release(path)
		return "", apperr.Staging("allocate input", err)
	}

	src, err := f.Open(ctx, ref.FileID)
	if err != nil {
		dst.Close()
		return "", apperr.Staging("fetch source", err)
	}
	defer src.Close()

	cw := &countingWriter{w: dst, total: ref.Size, onProgress: onProgress}
	limited := &io.LimitedReader{R: src, N: w.area.maxSize + 1}
	written, err := io.Copy(cw, &ctxReader{ctx: ctx, r: limited})
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", apperr.Staging("copy source", err)
	}
	if written > w.area.maxSize {
		return "", apperr.Staging("copy source", fmt.Errorf("%w: more than %d bytes", apperr.ErrTooLarge, w.area.maxSize))
	}
	if written == 0 {
		return "", apperr.Staging("copy source", errors.New("source is empty"))
	}
	return path, nil
}

// AllocateOutput reserves a fresh output file with the given extension.
func (w *Workspace) AllocateOutput(ext string) (string, error) {
	f, err := w.area.create(w.jobID, "out", "."+strings.TrimPrefix(ext, "."))
	if err != nil {
		return "", apperr.Staging("allocate output", err)
	}
	path := f.Name()
	f.Close()
	if err := w.track(path); err != nil {
		w.area.Release(path)
		return "", apperr.Staging("allocate output", err)
	}
	return path, nil
}

// Release removes every tracked file. Only the first call does any work.
func (w *Workspace) Release() {
	w.once.Do(func() {
		w.mu.Lock()
		w.released = true
		paths := w.paths
		w.mu.Unlock()
		w.area.Release(paths...)
		log.Debug().Str("job", w.jobID).Int("files", len(paths)).Msg("workspace released")
	})
}

func (a *Area) checkSpace(need int64) error {
	free, err := a.free(a.root)
	if err != nil {
		log.Warn().Err(err).Str("dir", a.root).Msg("could not read free disk space")
		return nil
	}
	// Room for the source and an output of similar size.
	if int64(free) < 2*need+a.minFree {
		return apperr.Staging("check space", fmt.Errorf("%w: %d bytes free, %d needed", ErrNoSpace, free, 2*need+a.minFree))
	}
	return nil
}

var extRe = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)

func sourceExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if extRe.MatchString(ext) {
		return ext
	}
	return ""
}

type countingWriter struct {
	w          io.Writer
	written    int64
	total      int64
	onProgress func(written, total int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.written += int64(n)
	if c.onProgress != nil && n > 0 {
		c.onProgress(c.written, c.total)
	}
	return n, err
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
