package security

import (
	"testing"

	"github.com/releasekit/installer/pkg/errors"
)

func testLimits(file, total int64, ratio float64) Limits {
	return Limits{MaxFileSize: file, MaxTotalSize: total, MaxCompressionRatio: ratio}
}

func TestValidatePath_PathTraversal(t *testing.T) {
	v := NewValidator(testLimits(1024, 1024, 10.0))

	tests := []struct {
		path      string
		want      string
		shouldErr bool
	}{
		{"file.txt", "file.txt", false},
		{"dir/file.txt", "dir/file.txt", false},
		{"./dir/", "dir", false},
		{"./", "", false},
		{"dir/../file.txt", "file.txt", false},
		{"../etc/passwd", "", true},
		{"/etc/passwd", "", true},
		{"dir/../../etc/passwd", "", true},
		{"..\\..\\windows\\system.ini", "", true},
		{"C:/Windows/evil.dll", "", true},
		{"c:evil", "", true},
		{"..", "", true},
	}

	for _, tt := range tests {
		got, err := v.ValidatePath(tt.path)
		if tt.shouldErr {
			if err == nil {
				t.Errorf("expected error for path: %s", tt.path)
				continue
			}
			if errors.KindOf(err) != errors.KindUnsafePath {
				t.Errorf("path %s: expected unsafe path kind, got %v", tt.path, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("unexpected error for path %s: %v", tt.path, err)
		}
		if got != tt.want {
			t.Errorf("ValidatePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestValidateSymlink(t *testing.T) {
	v := NewValidator(testLimits(1024, 1024, 10.0))

	tests := []struct {
		link, target string
		shouldErr    bool
	}{
		{"bin/app", "../lib/app", false},
		{"lib/libfoo.so", "libfoo.so.1", false},
		{"a/b/c", "../../d", false},
		{"bin/sh", "/usr/bin/dash", true},
		{"escape", "../outside", true},
		{"a/b", "../../../etc", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		err := v.ValidateSymlink(tt.link, tt.target)
		if tt.shouldErr && err == nil {
			t.Errorf("expected error for %s -> %s", tt.link, tt.target)
		}
		if !tt.shouldErr && err != nil {
			t.Errorf("unexpected error for %s -> %s: %v", tt.link, tt.target, err)
		}
	}
}

func TestValidateHardlink(t *testing.T) {
	v := NewValidator(testLimits(1024, 1024, 10.0))

	got, err := v.ValidateHardlink("b", "dir/a")
	if err != nil || got != "dir/a" {
		t.Errorf("ValidateHardlink = %q, %v", got, err)
	}
	if _, err := v.ValidateHardlink("b", "../a"); err == nil {
		t.Error("expected error for hard link outside root")
	}
}

func TestValidateFileSize(t *testing.T) {
	v := NewValidator(testLimits(100, 1000, 10.0))

	if err := v.ValidateFileSize(50); err != nil {
		t.Errorf("expected no error for size 50, got: %v", err)
	}

	err := v.ValidateFileSize(150)
	if err == nil {
		t.Fatal("expected error for size 150 exceeding limit 100")
	}
	if !errors.Is(err, ErrLimitExceeded) {
		t.Errorf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestValidateCompressionRatio(t *testing.T) {
	v := NewValidator(testLimits(1024, 10240, 10.0))

	if err := v.ValidateCompressionRatio(10, 100); err != nil {
		t.Errorf("expected no error for ratio 10.0, got: %v", err)
	}

	if err := v.ValidateCompressionRatio(50, 1000); err == nil {
		t.Error("expected error for ratio 20.0 exceeding limit 10.0")
	}

	if err := v.ValidateCompressionRatio(0, 1); err == nil {
		t.Error("expected error for zero compressed size")
	}
}

func TestAddExtractedSize_ExceedsTotal(t *testing.T) {
	v := NewValidator(testLimits(1024, 500, 10.0))

	if err := v.AddExtractedSize(400); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := v.AddExtractedSize(200); err == nil {
		t.Error("expected error when total extracted exceeds limit")
	}

	if got := v.CurrentTotalSize(); got != 600 {
		t.Errorf("CurrentTotalSize = %d, want 600", got)
	}
}
