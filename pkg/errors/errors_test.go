package errors

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"testing"
)

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	base := &SizeMismatchError{Path: "a.zip", Expected: 10, Actual: 4}
	err := Wrap(base, "verify failed")
	if err.Error() != "verify failed: "+base.Error() {
		t.Errorf("unexpected message: %s", err)
	}
	if KindOf(err) != KindSizeMismatch {
		t.Errorf("kind lost through Wrap: %v", KindOf(err))
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   Kind
		family Family
	}{
		{"nil", nil, KindUnknown, FamilyInternal},
		{"plain", fmt.Errorf("boom"), KindUnknown, FamilyInternal},
		{"network", &NetworkError{Op: "get", URL: "http://x"}, KindNetwork, FamilyNetwork},
		{"checksum", &ChecksumMismatchError{}, KindChecksumMismatch, FamilyIntegrity},
		{"signature", &SignatureError{Err: fmt.Errorf("bad")}, KindSignature, FamilyIntegrity},
		{"corrupt", &CorruptArchiveError{Err: fmt.Errorf("eof")}, KindCorruptArchive, FamilyIntegrity},
		{"unsafe", &UnsafePathError{Entry: "../x"}, KindUnsafePath, FamilySecurity},
		{"permission", &PermissionError{}, KindPermission, FamilyEnvironment},
		{"disk", &DiskSpaceError{}, KindDiskSpace, FamilyEnvironment},
		{"cancelled", &CancelledError{Stage: "fetching"}, KindCancelled, FamilyCancelled},
		{"context", Wrap(context.Canceled, "read"), KindCancelled, FamilyCancelled},
		{"request", &InvalidRequestError{Field: "url"}, KindInvalidRequest, FamilyRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.kind {
				t.Errorf("KindOf = %v, want %v", got, tt.kind)
			}
			if got := FamilyOf(tt.err); got != tt.family {
				t.Errorf("FamilyOf = %v, want %v", got, tt.family)
			}
		})
	}
}

func TestRetryableAndRefetch(t *testing.T) {
	if !Retryable(&NetworkError{StatusCode: 503}) {
		t.Error("503 should be retryable")
	}
	if Retryable(&NetworkError{StatusCode: 404, Permanent: true}) {
		t.Error("permanent network error should not be retryable")
	}
	if Retryable(&ChecksumMismatchError{}) {
		t.Error("checksum mismatch is never retried in place")
	}

	for _, err := range []error{&ChecksumMismatchError{}, &CorruptArchiveError{}, &SizeMismatchError{}} {
		if !ForcesRefetch(err) {
			t.Errorf("%T should force a re-fetch", err)
		}
	}
	for _, err := range []error{&UnsafePathError{}, &PermissionError{}, &NetworkError{}} {
		if ForcesRefetch(err) {
			t.Errorf("%T should not force a re-fetch", err)
		}
	}
}

func TestClassify(t *testing.T) {
	perm := &fs.PathError{Op: "open", Path: "/x", Err: syscall.EACCES}
	if KindOf(Classify(perm, "/x")) != KindPermission {
		t.Errorf("EACCES should classify as permission, got %v", Classify(perm, "/x"))
	}

	full := &fs.PathError{Op: "write", Path: "/x", Err: syscall.ENOSPC}
	if KindOf(Classify(full, "/x")) != KindDiskSpace {
		t.Errorf("ENOSPC should classify as disk space")
	}

	if KindOf(Classify(os.ErrNotExist, "/x")) != KindUnknown {
		t.Error("not-exist is not part of the taxonomy")
	}

	already := &UnsafePathError{Entry: "x"}
	if Classify(already, "/x") != error(already) {
		t.Error("classified errors must pass through unchanged")
	}
}

func TestParseKind(t *testing.T) {
	for k := KindNetwork; k <= KindInvalidRequest; k++ {
		if ParseKind(k.String()) != k {
			t.Errorf("round trip failed for %v", k)
		}
	}
	if ParseKind("nope") != KindUnknown {
		t.Error("unknown name should map to KindUnknown")
	}
}
