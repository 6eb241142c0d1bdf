package staging

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/tg-converter/internal/apperr"
	"github.com/you/tg-converter/internal/session"
)

type bytesFetcher struct {
	data []byte
	err  error
}

func (f bytesFetcher) Open(_ context.Context, _ string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

func plentyOfSpace(string) (uint64, error) { return 1 << 40, nil }

func newArea(t *testing.T, maxSize int64) *Area {
	t.Helper()
	a, err := NewArea(t.TempDir(), maxSize, 0, WithFreeSpace(plentyOfSpace))
	require.NoError(t, err)
	return a
}

func dirEntries(t *testing.T, a *Area) []string {
	t.Helper()
	es, err := os.ReadDir(a.Root())
	require.NoError(t, err)
	var names []string
	for _, e := range es {
		names = append(names, e.Name())
	}
	return names
}

func TestStageCopiesSource(t *testing.T) {
	a := newArea(t, 1024)
	ws := a.Open("job1")
	var last int64
	p, err := ws.Stage(context.Background(),
		session.SourceRef{FileID: "f", Name: "Clip.MP4", Size: 5},
		bytesFetcher{data: []byte("hello")},
		func(written, total int64) { last = written })
	require.NoError(t, err)

	assert.Equal(t, ".mp4", filepath.Ext(p))
	assert.True(t, strings.HasPrefix(filepath.Base(p), "job1-in-"))
	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	assert.Equal(t, int64(5), last)

	ws.Release()
	assert.NoFileExists(t, p)
	assert.Empty(t, dirEntries(t, a))
}

func TestStageRejectsDeclaredOversize(t *testing.T) {
	a := newArea(t, 10)
	_, err := a.Open("j").Stage(context.Background(),
		session.SourceRef{FileID: "f", Size: 11}, bytesFetcher{}, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindStaging, apperr.KindOf(err))
	assert.ErrorIs(t, err, apperr.ErrTooLarge)
	assert.Empty(t, dirEntries(t, a))
}

func TestStageRejectsActualOversize(t *testing.T) {
	a := newArea(t, 4)
	ws := a.Open("j")
	_, err := ws.Stage(context.Background(),
		session.SourceRef{FileID: "f", Size: 3}, bytesFetcher{data: []byte("too long")}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperr.ErrTooLarge)

	ws.Release()
	assert.Empty(t, dirEntries(t, a))
}

func TestStageFetchFailure(t *testing.T) {
	a := newArea(t, 100)
	ws := a.Open("j")
	boom := errors.New("network down")
	_, err := ws.Stage(context.Background(), session.SourceRef{FileID: "f", Size: 1}, bytesFetcher{err: boom}, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindStaging, apperr.KindOf(err))
	assert.ErrorIs(t, err, boom)

	ws.Release()
	assert.Empty(t, dirEntries(t, a))
}

func TestStageChecksFreeSpace(t *testing.T) {
	a, err := NewArea(t.TempDir(), 1<<30, 100, WithFreeSpace(func(string) (uint64, error) { return 150, nil }))
	require.NoError(t, err)
	_, err = a.Open("j").Stage(context.Background(), session.SourceRef{FileID: "f", Size: 30}, bytesFetcher{data: []byte("x")}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoSpace)
	assert.Equal(t, apperr.KindStaging, apperr.KindOf(err))
}

func TestStageHonorsCancelledContext(t *testing.T) {
	a := newArea(t, 100)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ws := a.Open("j")
	_, err := ws.Stage(ctx, session.SourceRef{FileID: "f", Size: 3}, bytesFetcher{data: []byte("abc")}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	ws.Release()
	assert.Empty(t, dirEntries(t, a))
}

func TestAllocateOutputNeverReuses(t *testing.T) {
	a := newArea(t, 100)
	ws := a.Open("j")
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		p, err := ws.AllocateOutput("mkv")
		require.NoError(t, err)
		assert.False(t, seen[p])
		seen[p] = true
		assert.Equal(t, ".mkv", filepath.Ext(p))
	}
	ws.Release()
	assert.Empty(t, dirEntries(t, a))
}

func TestConcurrentJobsGetDistinctPaths(t *testing.T) {
	a := newArea(t, 100)
	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := a.Open("same").AllocateOutput(".mp4")
			assert.NoError(t, err)
			mu.Lock()
			assert.False(t, seen[p], "path handed out twice")
			seen[p] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 16)
}

func TestReleaseIsIdempotentAndTolerant(t *testing.T) {
	a := newArea(t, 100)
	ws := a.Open("j")
	p, err := ws.AllocateOutput("mp4")
	require.NoError(t, err)
	require.NoError(t, os.Remove(p))

	ws.Release()
	ws.Release()
	_, err = ws.AllocateOutput("mp4")
	assert.Error(t, err, "released workspace hands out no more paths")
	assert.Empty(t, dirEntries(t, a))

	a.Release(filepath.Join(a.Root(), "missing"), "")
}

func TestSweepRemovesLeftovers(t *testing.T) {
	a := newArea(t, 100)
	_, err := a.Open("dead").AllocateOutput("mp4")
	require.NoError(t, err)
	assert.Equal(t, 1, a.Sweep(0))
	assert.Empty(t, dirEntries(t, a))
}

func TestSourceExt(t *testing.T) {
	assert.Equal(t, ".mov", sourceExt("a.MOV"))
	assert.Equal(t, "", sourceExt("noext"))
	assert.Equal(t, "", sourceExt("weird.ext with space"))
	assert.Equal(t, "", sourceExt("a.toolongext"))
}
