// Package security validates archive entries before they touch the disk:
// entry names, link targets, per-file and total sizes, and compression ratio.
package security

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"

	"github.com/releasekit/installer/pkg/errors"
)

// ErrLimitExceeded is wrapped by every size and ratio violation.
var ErrLimitExceeded = errors.New("security: limit exceeded")

// Limits bounds what a single extraction may produce.
type Limits struct {
	MaxFileSize         int64
	MaxTotalSize        int64
	MaxCompressionRatio float64
}

// DefaultLimits is used when no configuration overrides them.
var DefaultLimits = Limits{
	MaxFileSize:         2 * 1024 * 1024 * 1024,
	MaxTotalSize:        20 * 1024 * 1024 * 1024,
	MaxCompressionRatio: 100.0,
}

// Validator tracks one extraction. It is not meant to be shared across runs.
type Validator struct {
	limits Limits

	mu               sync.Mutex
	currentTotalSize int64
}

// NewValidator creates a validator for a single extraction.
func NewValidator(limits Limits) *Validator {
	slog.Debug("security_validator_init",
		"max_file_size_mb", limits.MaxFileSize/1024/1024,
		"max_total_size_mb", limits.MaxTotalSize/1024/1024,
		"max_compression_ratio", limits.MaxCompressionRatio)

	return &Validator{limits: limits}
}

// normalize treats both separators as separators so that a zip written on
// Windows cannot smuggle "..\" past the check.
func normalize(name string) string {
	return strings.ReplaceAll(name, "\\", "/")
}

func isAbs(name string) bool {
	if strings.HasPrefix(name, "/") {
		return true
	}
	// drive letter ("C:/x", "C:x")
	return len(name) >= 2 && name[1] == ':' &&
		((name[0] >= 'a' && name[0] <= 'z') || (name[0] >= 'A' && name[0] <= 'Z'))
}

func escapes(clean string) bool {
	return clean == ".." || strings.HasPrefix(clean, "../")
}

// ValidatePath checks an entry name and returns it cleaned, slash separated
// and relative to the extraction root. The root itself comes back as "".
func (v *Validator) ValidatePath(name string) (string, error) {
	n := normalize(name)
	if isAbs(n) {
		slog.Error("security_path_validation_failed", "path", name, "reason", "absolute_path")
		return "", &errors.UnsafePathError{Entry: name, Reason: "absolute path"}
	}

	clean := path.Clean(n)
	if escapes(clean) {
		slog.Error("security_path_validation_failed", "path", name, "reason", "path_traversal")
		return "", &errors.UnsafePathError{Entry: name, Reason: "path traversal"}
	}
	if clean == "." {
		return "", nil
	}
	return clean, nil
}

// ValidateSymlink validates a symlink target in the context of the symlink's
// location. Absolute targets are rejected: an installed application must not
// reference anything outside its own directory.
func (v *Validator) ValidateSymlink(linkName, target string) error {
	t := normalize(target)
	if t == "" {
		return &errors.UnsafePathError{Entry: linkName, Reason: "empty link target"}
	}
	if isAbs(t) {
		slog.Error("security_symlink_validation_failed", "symlink", linkName, "target", target, "reason", "absolute_target")
		return &errors.UnsafePathError{Entry: linkName, Target: target, Reason: "absolute link target"}
	}

	resolved := path.Clean(path.Join(path.Dir(normalize(linkName)), t))
	if escapes(resolved) {
		slog.Error("security_symlink_validation_failed",
			"symlink", linkName,
			"target", target,
			"resolved", resolved)
		return &errors.UnsafePathError{Entry: linkName, Target: target, Reason: "link target escapes root"}
	}

	slog.Debug("security_symlink_validated", "symlink", linkName, "target", target)
	return nil
}

// ValidateHardlink checks the target of a hard link, which archives record
// relative to the root rather than to the link.
func (v *Validator) ValidateHardlink(linkName, target string) (string, error) {
	clean, err := v.ValidatePath(target)
	if err != nil {
		return "", &errors.UnsafePathError{Entry: linkName, Target: target, Reason: "hard link target escapes root"}
	}
	if clean == "" {
		return "", &errors.UnsafePathError{Entry: linkName, Target: target, Reason: "hard link to root"}
	}
	return clean, nil
}

// ValidateFileSize checks if a file exceeds max file size
func (v *Validator) ValidateFileSize(size int64) error {
	if size > v.limits.MaxFileSize {
		slog.Error("security_file_size_exceeded",
			"file_size_mb", size/1024/1024,
			"max_file_size_mb", v.limits.MaxFileSize/1024/1024)
		return fmt.Errorf("%w: file size %d exceeds max %d", ErrLimitExceeded, size, v.limits.MaxFileSize)
	}
	return nil
}

// AddExtractedSize tracks total extracted size and checks against limit
func (v *Validator) AddExtractedSize(size int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.currentTotalSize += size

	if v.currentTotalSize > v.limits.MaxTotalSize {
		slog.Error("security_total_size_exceeded",
			"current_total_mb", v.currentTotalSize/1024/1024,
			"max_total_mb", v.limits.MaxTotalSize/1024/1024,
			"file_size_mb", size/1024/1024)
		return fmt.Errorf("%w: total extracted size %d exceeds max %d",
			ErrLimitExceeded, v.currentTotalSize, v.limits.MaxTotalSize)
	}

	return nil
}

// ValidateCompressionRatio checks for compression bombs
func (v *Validator) ValidateCompressionRatio(compressedSize, uncompressedSize int64) error {
	if compressedSize <= 0 {
		slog.Error("security_compression_validation_failed", "reason", "zero_compressed_size")
		return fmt.Errorf("%w: compressed size must be positive", ErrLimitExceeded)
	}

	ratio := float64(uncompressedSize) / float64(compressedSize)

	if ratio > v.limits.MaxCompressionRatio {
		slog.Error("security_compression_bomb_detected",
			"ratio", ratio,
			"max_ratio", v.limits.MaxCompressionRatio,
			"compressed_mb", compressedSize/1024/1024,
			"uncompressed_mb", uncompressedSize/1024/1024)
		return fmt.Errorf("%w: compression ratio %.2f exceeds max %.2f (compressed: %d, uncompressed: %d)",
			ErrLimitExceeded, ratio, v.limits.MaxCompressionRatio, compressedSize, uncompressedSize)
	}

	slog.Debug("security_compression_validated", "ratio", ratio)
	return nil
}

// CurrentTotalSize returns the bytes accounted so far.
func (v *Validator) CurrentTotalSize() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.currentTotalSize
}
