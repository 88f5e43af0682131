package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/releasekit/installer/pkg/activate"
	"github.com/releasekit/installer/pkg/db"
	"github.com/releasekit/installer/pkg/errors"
)

func random(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func buildZip(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

type origin struct {
	*httptest.Server
	hits   atomic.Int32
	mu     sync.Mutex
	ranges []string
}

func (o *origin) seen(r *http.Request) {
	o.hits.Add(1)
	o.mu.Lock()
	o.ranges = append(o.ranges, r.Header.Get("Range"))
	o.mu.Unlock()
}

// serve answers every request with data, honoring ranges.
func serve(t *testing.T, data []byte) *origin {
	o := &origin{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.seen(r)
		http.ServeContent(w, r, "release.zip", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(o.Close)
	return o
}

// serveStatus answers every request with code.
func serveStatus(t *testing.T, code int) *origin {
	o := &origin{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.seen(r)
		w.WriteHeader(code)
	}))
	t.Cleanup(o.Close)
	return o
}

// serveDropping cuts the first connection after dropAfter bytes.
func serveDropping(t *testing.T, data []byte, dropAfter int) *origin {
	o := &origin{}
	var first atomic.Bool
	first.Store(true)
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.seen(r)
		if first.CompareAndSwap(true, false) {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.WriteHeader(http.StatusOK)
			w.Write(data[:dropAfter])
			w.(http.Flusher).Flush()
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				conn.Close()
			}
			return
		}
		http.ServeContent(w, r, "release.zip", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(o.Close)
	return o
}

type fixture struct {
	scratch string
	root    string
	coord   *Coordinator
}

func newFixture(t *testing.T, mutate func(*Options, *Deps)) *fixture {
	f := &fixture{scratch: t.TempDir(), root: t.TempDir()}
	opts := Options{
		ScratchDir:       f.scratch,
		MaxFetchAttempts: 3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
		MaxRefetches:     1,
	}
	deps := Deps{}
	if mutate != nil {
		mutate(&opts, &deps)
	}
	f.coord = New(opts, deps)
	return f
}

func (f *fixture) dir() string { return filepath.Join(f.root, "game") }

func collect(r *Run) []ProgressEvent {
	var evs []ProgressEvent
	for ev := range r.Events() {
		evs = append(evs, ev)
	}
	return evs
}

func stages(evs []ProgressEvent) []Stage {
	var out []Stage
	for _, ev := range evs {
		if len(out) == 0 || out[len(out)-1] != ev.Stage {
			out = append(out, ev.Stage)
		}
	}
	return out
}

func installed(t *testing.T, dir string) map[string][]byte {
	t.Helper()
	out := map[string][]byte{}
	require.NoError(t, filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		data, err := os.ReadFile(p)
		out[filepath.ToSlash(rel)] = data
		return err
	}))
	return out
}

func assertEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "leftover scratch artifacts")
}

func release(t *testing.T, seed int64) (map[string][]byte, []byte) {
	files := map[string][]byte{
		"bin/game.exe":     random(512*1024, seed),
		"data/levels.pak":  random(256*1024, seed+1),
		"README.txt":       []byte("release " + strconv.FormatInt(seed, 10)),
		"engage/readme.md": []byte("mods go here"),
	}
	return files, buildZip(t, files)
}

func TestInstallComplete(t *testing.T) {
	files, archive := release(t, 1)
	srv := serve(t, archive)
	f := newFixture(t, nil)

	run := f.coord.Start(context.Background(), InstallRequest{
		URL:          srv.URL + "/game-1.0.0.zip",
		ExpectedSize: int64(len(archive)),
		Checksum:     checksum(archive),
		TargetDir:    f.dir(),
		Version:      "1.0.0",
	})
	evs := collect(run)
	res := run.Wait()

	require.NoError(t, res.Err)
	assert.Equal(t, StageComplete, res.State)
	assert.Equal(t, "install", res.Change)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, []Stage{StagePending, StageFetching, StageVerifying, StageExtracting, StageActivating, StageComplete}, stages(evs))
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.Seq, "sequence numbers strictly increase")
		assert.Equal(t, run.ID(), ev.RunID)
	}

	got := installed(t, f.dir())
	require.Contains(t, got, activate.RecordFile)
	delete(got, activate.RecordFile)
	assert.Equal(t, files, got)

	require.NotNil(t, res.Record)
	assert.Equal(t, checksum(archive), res.Record.Checksum)
	assert.Equal(t, "verified", res.Record.Trust)
	assertEmpty(t, f.scratch)
	assert.Equal(t, StageComplete, run.State().Stage)
}

func TestInstallIsIdempotent(t *testing.T) {
	_, archive := release(t, 2)
	srv := serve(t, archive)
	f := newFixture(t, nil)
	req := InstallRequest{
		URL:       srv.URL,
		Checksum:  checksum(archive),
		TargetDir: f.dir(),
		Version:   "2.0.0",
	}

	first := f.coord.Install(context.Background(), req)
	require.Equal(t, StageComplete, first.State, "%v", first.Err)
	hits := srv.hits.Load()

	second := f.coord.Install(context.Background(), req)
	assert.Equal(t, StageComplete, second.State)
	assert.True(t, second.ShortCircuit)
	assert.Equal(t, "2.0.0", second.Record.Version)
	assert.Equal(t, hits, srv.hits.Load(), "no network access when already installed")
}

func TestInstallResumesAfterConnectionDrop(t *testing.T) {
	_, archive := release(t, 3)
	srv := serveDropping(t, archive, len(archive)*2/5)
	f := newFixture(t, nil)

	res := f.coord.Install(context.Background(), InstallRequest{
		URL:          srv.URL,
		ExpectedSize: int64(len(archive)),
		Checksum:     checksum(archive),
		TargetDir:    f.dir(),
		Version:      "3.0.0",
	})
	require.Equal(t, StageComplete, res.State, "%v", res.Err)
	assert.Equal(t, 2, res.Attempts)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.ranges, 2)
	assert.Empty(t, srv.ranges[0])
	require.True(t, strings.HasPrefix(srv.ranges[1], "bytes="), srv.ranges[1])
	offset, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(srv.ranges[1], "bytes="), "-"))
	require.NoError(t, err)
	assert.Greater(t, offset, 0, "second attempt resumes from the partial file")
	assert.LessOrEqual(t, offset, len(archive)*2/5)
}

func TestChecksumMismatchExhaustsRefetches(t *testing.T) {
	files, good := release(t, 4)
	f := newFixture(t, nil)
	res := f.coord.Install(context.Background(), InstallRequest{
		URL: serve(t, good).URL, Checksum: checksum(good), TargetDir: f.dir(), Version: "1.0.0",
	})
	require.Equal(t, StageComplete, res.State, "%v", res.Err)

	_, bad := release(t, 40)
	srv := serve(t, bad)
	res = f.coord.Install(context.Background(), InstallRequest{
		URL:       srv.URL,
		Checksum:  checksum(good),
		TargetDir: f.dir(),
		Version:   "1.1.0",
	})
	assert.Equal(t, StageFailed, res.State)
	assert.Equal(t, errors.KindChecksumMismatch, res.Kind)
	assert.Equal(t, errors.FamilyIntegrity, res.Family)
	assert.Equal(t, 1, res.Refetches)
	assert.Equal(t, int32(2), srv.hits.Load(), "one fetch plus one bounded re-fetch")

	got := installed(t, f.dir())
	delete(got, activate.RecordFile)
	assert.Equal(t, files, got, "install directory untouched")
	rec, err := activate.ReadRecord(f.dir())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rec.Version)
	assertEmpty(t, f.scratch)
}

func TestUnsafeArchiveIsRejected(t *testing.T) {
	archive := buildZip(t, map[string][]byte{
		"ok.txt":      []byte("fine"),
		"../evil.txt": []byte("escaped"),
	})
	srv := serve(t, archive)
	f := newFixture(t, nil)

	res := f.coord.Install(context.Background(), InstallRequest{
		URL: srv.URL, Checksum: checksum(archive), TargetDir: f.dir(), Version: "1.0.0",
	})
	assert.Equal(t, StageFailed, res.State)
	assert.Equal(t, errors.KindUnsafePath, res.Kind)
	assert.Equal(t, errors.FamilySecurity, res.Family)
	assert.Equal(t, int32(1), srv.hits.Load(), "security rejections are never re-fetched")

	assert.NoFileExists(t, filepath.Join(f.scratch, "evil.txt"))
	assert.NoFileExists(t, filepath.Join(filepath.Dir(f.scratch), "evil.txt"))
	assert.NoDirExists(t, f.dir())
	assertEmpty(t, f.scratch)
}

func TestInvalidRequestFailsWithoutNetwork(t *testing.T) {
	srv := serve(t, []byte("x"))
	f := newFixture(t, nil)

	res := f.coord.Install(context.Background(), InstallRequest{URL: srv.URL, TargetDir: f.dir(), Version: "1.0.0"})
	assert.Equal(t, StageFailed, res.State)
	assert.Equal(t, errors.FamilyRequest, res.Family)
	assert.Zero(t, srv.hits.Load())
}

func TestDegradedTrustIsSignalled(t *testing.T) {
	_, archive := release(t, 5)
	srv := serve(t, archive)
	f := newFixture(t, nil)

	run := f.coord.Start(context.Background(), InstallRequest{
		URL: srv.URL, AllowUnverified: true, TargetDir: f.dir(), Version: "5.0.0",
	})
	evs := collect(run)
	res := run.Wait()

	require.Equal(t, StageComplete, res.State, "%v", res.Err)
	assert.True(t, res.Degraded)
	assert.Equal(t, "degraded", res.Record.Trust)
	assert.Equal(t, checksum(archive), res.Record.Checksum, "computed digest is recorded")

	var flagged bool
	for _, ev := range evs {
		flagged = flagged || ev.Degraded
	}
	assert.True(t, flagged, "a progress event carries the degraded flag")
}

func TestNetworkFailures(t *testing.T) {
	tests := []struct {
		status   int
		attempts int
	}{
		{http.StatusNotFound, 1},
		{http.StatusServiceUnavailable, 3},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := serveStatus(t, tt.status)
			f := newFixture(t, nil)

			res := f.coord.Install(context.Background(), InstallRequest{
				URL: srv.URL, Checksum: checksum([]byte("x")), TargetDir: f.dir(), Version: "1.0.0",
			})
			assert.Equal(t, StageFailed, res.State)
			assert.Equal(t, errors.FamilyNetwork, res.Family)
			assert.Equal(t, tt.attempts, res.Attempts)
			assert.Equal(t, int32(tt.attempts), srv.hits.Load())
			assert.NoDirExists(t, f.dir())
		})
	}
}

func TestCancelDuringFetchKeepsPartialForResume(t *testing.T) {
	_, archive := release(t, 6)
	half := len(archive) / 2
	stalling := &origin{}
	stalling.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stalling.seen(r)
		w.Header().Set("Content-Length", strconv.Itoa(len(archive)))
		w.WriteHeader(http.StatusOK)
		w.Write(archive[:half])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(stalling.Close)

	f := newFixture(t, nil)
	req := InstallRequest{
		ID:           "resume-me",
		URL:          stalling.URL,
		ExpectedSize: int64(len(archive)),
		Checksum:     checksum(archive),
		TargetDir:    f.dir(),
		Version:      "6.0.0",
	}

	run := f.coord.Start(context.Background(), req)
	for ev := range run.Events() {
		if ev.Stage == StageFetching && ev.BytesDone > 0 {
			run.Cancel()
		}
	}
	res := run.Wait()
	assert.Equal(t, StageCancelled, res.State)
	assert.Equal(t, errors.FamilyCancelled, res.Family)
	assert.True(t, run.State().Cancelled)
	assert.NoDirExists(t, f.dir())

	partial := filepath.Join(f.scratch, ScratchName(req.Version, req.ID)+".archive")
	fi, err := os.Stat(partial)
	require.NoError(t, err, "partial archive is kept")
	assert.Greater(t, fi.Size(), int64(0))

	srv := serve(t, archive)
	req.URL = srv.URL
	res = f.coord.Install(context.Background(), req)
	require.Equal(t, StageComplete, res.State, "%v", res.Err)
	assert.Equal(t, []string{"bytes=" + strconv.FormatInt(fi.Size(), 10) + "-"}, srv.ranges)
	assertEmpty(t, f.scratch)
}

func TestCancelAfterActivatingStartsIsNotHonored(t *testing.T) {
	_, archive := release(t, 7)
	srv := serve(t, archive)
	f := newFixture(t, nil)

	run := f.coord.Start(context.Background(), InstallRequest{
		URL: srv.URL, Checksum: checksum(archive), TargetDir: f.dir(), Version: "7.0.0",
	})
	for ev := range run.Events() {
		if ev.Stage == StageActivating {
			run.Cancel()
		}
	}
	res := run.Wait()
	assert.Equal(t, StageComplete, res.State, "%v", res.Err)
	rec, err := activate.ReadRecord(f.dir())
	require.NoError(t, err)
	assert.Equal(t, "7.0.0", rec.Version)
}

func TestConcurrentRequestsForSameDirectory(t *testing.T) {
	_, archive := release(t, 8)
	srv := serve(t, archive)
	f := newFixture(t, nil)
	req := InstallRequest{URL: srv.URL, Checksum: checksum(archive), TargetDir: f.dir(), Version: "8.0.0"}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.coord.Install(context.Background(), req)
		}()
	}
	wg.Wait()

	var shortCircuits int
	for _, res := range results {
		require.Equal(t, StageComplete, res.State, "%v", res.Err)
		if res.ShortCircuit {
			shortCircuits++
		}
	}
	assert.Equal(t, 1, shortCircuits, "the second request observes the first one's install")
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestEnsureDirs(t *testing.T) {
	_, archive := release(t, 9)
	f := newFixture(t, nil)

	res := f.coord.Install(context.Background(), InstallRequest{
		URL:        serve(t, archive).URL,
		Checksum:   checksum(archive),
		TargetDir:  f.dir(),
		Version:    "9.0.0",
		EnsureDirs: []string{"engage/mods", "saves"},
	})
	require.Equal(t, StageComplete, res.State, "%v", res.Err)
	assert.DirExists(t, filepath.Join(f.dir(), "engage", "mods"))
	assert.DirExists(t, filepath.Join(f.dir(), "saves"))
}

func TestJournalAndRollback(t *testing.T) {
	repo, err := db.NewRepository(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	f := newFixture(t, func(o *Options, d *Deps) {
		o.RetainPrevious = true
		d.Journal = repo
	})
	ctx := context.Background()

	_, v1 := release(t, 10)
	_, v2 := release(t, 11)
	r1 := f.coord.Install(ctx, InstallRequest{ID: "r1", URL: serve(t, v1).URL, Checksum: checksum(v1), TargetDir: f.dir(), Version: "1.0.0"})
	require.Equal(t, StageComplete, r1.State, "%v", r1.Err)
	r2 := f.coord.Install(ctx, InstallRequest{ID: "r2", URL: serve(t, v2).URL, Checksum: checksum(v2), TargetDir: f.dir(), Version: "2.0.0"})
	require.Equal(t, StageComplete, r2.State, "%v", r2.Err)
	assert.Equal(t, "upgrade", r2.Change)

	run, err := repo.GetRun(ctx, "r2")
	require.NoError(t, err)
	assert.Equal(t, db.StageComplete, run.Stage)
	assert.Equal(t, int64(len(v2)), run.BytesFetched)

	rec, err := f.coord.Rollback(ctx, f.dir())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", rec.Version)

	status, err := f.coord.Status(f.dir())
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", status.Version)

	history, err := repo.ListInstalls(ctx, "")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, db.ActionRollback, history[0].Action)
	assert.Equal(t, "1.0.0", history[0].Version)
}

func TestDuplicateActiveRunID(t *testing.T) {
	_, archive := release(t, 12)
	gate := make(chan struct{})
	gated := &origin{}
	gated.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gated.seen(r)
		<-gate
		http.ServeContent(w, r, "release.zip", time.Time{}, bytes.NewReader(archive))
	}))
	t.Cleanup(gated.Close)
	f := newFixture(t, nil)
	req := InstallRequest{ID: "same", URL: gated.URL, Checksum: checksum(archive), TargetDir: f.dir(), Version: "1.0.0"}

	first := f.coord.Start(context.Background(), req)
	require.Eventually(t, func() bool { return gated.hits.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	dup := f.coord.Install(context.Background(), req)
	assert.Equal(t, StageFailed, dup.State)
	assert.Equal(t, errors.FamilyRequest, dup.Family)

	close(gate)
	for range first.Events() {
	}
	assert.Equal(t, StageComplete, first.Wait().State)
}
