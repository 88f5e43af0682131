package extract

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/releasekit/installer/pkg/errors"
)

// Format is an archive container format.
type Format string

const (
	FormatAuto  Format = ""
	FormatZip   Format = "zip"
	FormatTar   Format = "tar"
	FormatTarGz Format = "tar.gz"
)

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	gzipMagic     = []byte{0x1f, 0x8b}
)

// ParseFormat accepts the names used on the command line and in requests.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return FormatAuto, nil
	case "zip":
		return FormatZip, nil
	case "tar":
		return FormatTar, nil
	case "tar.gz", "tgz", "targz":
		return FormatTarGz, nil
	default:
		return "", fmt.Errorf("unknown archive format %q", s)
	}
}

// DetectFormat sniffs the archive's magic bytes. Anything that is neither zip
// nor gzip is treated as a plain tar and left to the tar reader to reject.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Classify(errors.Wrap(err, "failed to open archive"), path)
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", errors.Wrap(err, "failed to read archive header")
	}
	head = head[:n]

	switch {
	case n == 0:
		return "", &errors.CorruptArchiveError{Path: path, Err: fmt.Errorf("archive is empty")}
	case bytes.HasPrefix(head, zipMagic), bytes.HasPrefix(head, zipEmptyMagic):
		return FormatZip, nil
	case bytes.HasPrefix(head, gzipMagic):
		return FormatTarGz, nil
	default:
		return FormatTar, nil
	}
}

// UncompressedSize returns the total size a zip archive declares for its
// entries. Tar archives do not carry a directory, so 0 is returned for them.
func UncompressedSize(path string, format Format) (int64, error) {
	if format == FormatAuto {
		var err error
		if format, err = DetectFormat(path); err != nil {
			return 0, err
		}
	}
	if format != FormatZip {
		return 0, nil
	}

	zr, err := zip.OpenReader(path)
	if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
		return 0, &errors.CorruptArchiveError{Path: path, Err: err}
	}
	defer zr.Close()

	var total uint64
	for _, f := range zr.File {
		total += f.UncompressedSize64
	}
	return int64(total), nil
}
