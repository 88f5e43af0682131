package extract

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/releasekit/installer/pkg/errors"
	"github.com/releasekit/installer/pkg/security"
)

type zipEntry struct {
	name string
	body string
	mode fs.FileMode
}

func writeZip(t *testing.T, entries []zipEntry) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr.SetMode(mode)
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	path := filepath.Join(t.TempDir(), "release.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

type tarEntry struct {
	hdr  tar.Header
	body string
}

func writeTarGz(t *testing.T, entries []tarEntry) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		hdr := e.hdr
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		require.NoError(t, tw.WriteHeader(&hdr))
		if e.body != "" {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	path := filepath.Join(t.TempDir(), "release.tar.gz")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func testExtractor() *Extractor {
	return New(security.Limits{MaxFileSize: 1 << 20, MaxTotalSize: 4 << 20, MaxCompressionRatio: 1000})
}

func TestExtractZip(t *testing.T) {
	archive := writeZip(t, []zipEntry{
		{name: "skyline/"},
		{name: "skyline/exefs/main.npdm", body: "npdm"},
		{name: "bin/run.sh", body: "#!/bin/sh\n", mode: 0o755},
		{name: "readme.txt", body: "hello"},
	})
	staging := filepath.Join(t.TempDir(), "staging")

	var calls int
	res, err := testExtractor().Extract(context.Background(), archive, staging, Options{
		Progress: func(entries int, bytes int64) { calls++ },
	})
	require.NoError(t, err)

	assert.Equal(t, FormatZip, res.Format)
	assert.Equal(t, 4, res.Entries)
	assert.Equal(t, 3, res.Files)
	assert.Equal(t, int64(len("npdm")+len("#!/bin/sh\n")+len("hello")), res.Bytes)
	assert.Equal(t, 4, calls)

	got, err := os.ReadFile(filepath.Join(staging, "skyline", "exefs", "main.npdm"))
	require.NoError(t, err)
	assert.Equal(t, "npdm", string(got))

	if runtime.GOOS != "windows" {
		fi, err := os.Stat(filepath.Join(staging, "bin", "run.sh"))
		require.NoError(t, err)
		assert.NotZero(t, fi.Mode().Perm()&0o100, "executable bit should survive")
	}
}

func TestExtractZipRejectsUnsafeEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries []zipEntry
	}{
		{"parent traversal", []zipEntry{{name: "../../evil.txt", body: "x"}}},
		{"nested traversal", []zipEntry{{name: "ok/../../evil.txt", body: "x"}}},
		{"absolute", []zipEntry{{name: "/etc/evil", body: "x"}}},
		{"backslash traversal", []zipEntry{{name: "..\\evil.txt", body: "x"}}},
		{"escaping symlink", []zipEntry{{name: "link", body: "../../etc", mode: fs.ModeSymlink | 0o777}}},
		{"absolute symlink", []zipEntry{{name: "link", body: "/etc/passwd", mode: fs.ModeSymlink | 0o777}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := writeZip(t, append([]zipEntry{{name: "first.txt", body: "ok"}}, tt.entries...))
			parent := t.TempDir()
			staging := filepath.Join(parent, "staging")

			_, err := testExtractor().Extract(context.Background(), archive, staging, Options{})
			require.Error(t, err)
			assert.Equal(t, errors.KindUnsafePath, errors.KindOf(err), "got %v", err)

			_, statErr := os.Stat(filepath.Join(parent, "evil.txt"))
			assert.True(t, os.IsNotExist(statErr), "nothing may be written outside staging")
		})
	}
}

func TestExtractRejectsWriteThroughSymlink(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks need privileges on windows")
	}
	tests := []struct {
		name    string
		entries []tarEntry
	}{
		{"link to staging root", []tarEntry{
			{hdr: tar.Header{Name: "lib", Typeflag: tar.TypeSymlink, Linkname: "."}},
			{hdr: tar.Header{Name: "lib/payload", Typeflag: tar.TypeReg}, body: "x"},
		}},
		{"link to sibling directory", []tarEntry{
			{hdr: tar.Header{Name: "lib64/", Typeflag: tar.TypeDir, Mode: 0o755}},
			{hdr: tar.Header{Name: "lib", Typeflag: tar.TypeSymlink, Linkname: "lib64"}},
			{hdr: tar.Header{Name: "lib/x.so", Typeflag: tar.TypeReg}, body: "x"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := writeTarGz(t, tt.entries)
			staging := filepath.Join(t.TempDir(), "staging")

			_, err := testExtractor().Extract(context.Background(), archive, staging, Options{})
			require.Error(t, err)
			assert.Equal(t, errors.KindUnsafePath, errors.KindOf(err))
		})
	}
}

func TestExtractTarGz(t *testing.T) {
	archive := writeTarGz(t, []tarEntry{
		{hdr: tar.Header{Name: "app/", Typeflag: tar.TypeDir, Mode: 0o755}},
		{hdr: tar.Header{Name: "app/bin", Typeflag: tar.TypeReg, Mode: 0o755}, body: "binary"},
		{hdr: tar.Header{Name: "app/current", Typeflag: tar.TypeSymlink, Linkname: "bin"}},
		{hdr: tar.Header{Name: "app/bin2", Typeflag: tar.TypeLink, Linkname: "app/bin"}},
		{hdr: tar.Header{Name: "app/fifo", Typeflag: tar.TypeFifo}},
	})
	staging := filepath.Join(t.TempDir(), "staging")

	res, err := testExtractor().Extract(context.Background(), archive, staging, Options{})
	require.NoError(t, err)
	assert.Equal(t, FormatTarGz, res.Format)
	assert.Equal(t, 1, res.Files)
	assert.Equal(t, 1, res.Skipped)

	got, err := os.ReadFile(filepath.Join(staging, "app", "bin2"))
	require.NoError(t, err)
	assert.Equal(t, "binary", string(got))

	if runtime.GOOS != "windows" {
		target, err := os.Readlink(filepath.Join(staging, "app", "current"))
		require.NoError(t, err)
		assert.Equal(t, "bin", target)
	}
}

func TestExtractCorruptArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "broken.zip")
	require.NoError(t, os.WriteFile(archive, []byte("PK\x03\x04 this is not really a zip"), 0o644))

	_, err := testExtractor().Extract(context.Background(), archive, filepath.Join(dir, "staging"), Options{})
	require.Error(t, err)
	assert.Equal(t, errors.KindCorruptArchive, errors.KindOf(err))
}

func TestExtractTruncatedTarGz(t *testing.T) {
	archive := writeTarGz(t, []tarEntry{
		{hdr: tar.Header{Name: "big", Typeflag: tar.TypeReg}, body: string(bytes.Repeat([]byte("abcdefgh"), 4096))},
	})
	data, err := os.ReadFile(archive)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(archive, data[:len(data)/2], 0o644))

	_, err = testExtractor().Extract(context.Background(), archive, filepath.Join(t.TempDir(), "staging"), Options{})
	require.Error(t, err)
	assert.Equal(t, errors.KindCorruptArchive, errors.KindOf(err))
}

func TestExtractLimits(t *testing.T) {
	archive := writeZip(t, []zipEntry{{name: "big.bin", body: string(bytes.Repeat([]byte{0}, 64*1024))}})

	small := New(security.Limits{MaxFileSize: 1024, MaxTotalSize: 1 << 20, MaxCompressionRatio: 1e9})
	_, err := small.Extract(context.Background(), archive, filepath.Join(t.TempDir(), "a"), Options{})
	require.Error(t, err)
	assert.Equal(t, errors.KindCorruptArchive, errors.KindOf(err))
	assert.True(t, errors.Is(err, security.ErrLimitExceeded))

	bomb := New(security.Limits{MaxFileSize: 1 << 20, MaxTotalSize: 1 << 20, MaxCompressionRatio: 2})
	_, err = bomb.Extract(context.Background(), archive, filepath.Join(t.TempDir(), "b"), Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, security.ErrLimitExceeded))
}

func TestExtractRequiresEmptyStaging(t *testing.T) {
	archive := writeZip(t, []zipEntry{{name: "a.txt", body: "a"}})
	staging := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(staging, "leftover"), []byte("x"), 0o644))

	_, err := testExtractor().Extract(context.Background(), archive, staging, Options{})
	require.Error(t, err)
}

func TestExtractCancelled(t *testing.T) {
	archive := writeZip(t, []zipEntry{{name: "a.txt", body: "a"}, {name: "b.txt", body: "b"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testExtractor().Extract(ctx, archive, filepath.Join(t.TempDir(), "staging"), Options{})
	require.Error(t, err)
	assert.Equal(t, errors.KindCancelled, errors.KindOf(err))
}

func TestDetectFormat(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, data, 0o644))
		return p
	}

	f, err := DetectFormat(write("a", []byte("PK\x03\x04rest")))
	require.NoError(t, err)
	assert.Equal(t, FormatZip, f)

	f, err = DetectFormat(write("b", []byte{0x1f, 0x8b, 0x08, 0x00}))
	require.NoError(t, err)
	assert.Equal(t, FormatTarGz, f)

	f, err = DetectFormat(write("c", []byte("ustar-ish")))
	require.NoError(t, err)
	assert.Equal(t, FormatTar, f)

	_, err = DetectFormat(write("d", nil))
	assert.Equal(t, errors.KindCorruptArchive, errors.KindOf(err))

	parsed, err := ParseFormat("TGZ")
	require.NoError(t, err)
	assert.Equal(t, FormatTarGz, parsed)
	_, err = ParseFormat("rar")
	assert.Error(t, err)
}
