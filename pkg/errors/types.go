package errors

import "fmt"

// NetworkError is a transfer failure. Permanent is set for responses that
// will not change on retry (404, 403, ...).
type NetworkError struct {
	Op         string
	URL        string
	StatusCode int
	Permanent  bool
	Err        error
}

func (e *NetworkError) Error() string {
	msg := fmt.Sprintf("network: %s %s", e.Op, e.URL)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s: status %d", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *NetworkError) Kind() Kind    { return KindNetwork }
func (e *NetworkError) Unwrap() error { return e.Err }

type SizeMismatchError struct {
	Path     string
	Expected int64
	Actual   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch: %s: expected %d bytes, got %d", e.Path, e.Expected, e.Actual)
}

func (e *SizeMismatchError) Kind() Kind { return KindSizeMismatch }

type ChecksumMismatchError struct {
	Path      string
	Algorithm string
	Expected  string
	Actual    string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: %s: expected %s:%s, got %s:%s",
		e.Path, e.Algorithm, e.Expected, e.Algorithm, e.Actual)
}

func (e *ChecksumMismatchError) Kind() Kind { return KindChecksumMismatch }

// SignatureError reports a detached signature that is missing, malformed, or
// not made by a key in the trusted keyring.
type SignatureError struct {
	Path string
	Err  error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature: %s: %v", e.Path, e.Err)
}

func (e *SignatureError) Kind() Kind    { return KindSignature }
func (e *SignatureError) Unwrap() error { return e.Err }

type CorruptArchiveError struct {
	Path  string
	Entry string
	Err   error
}

func (e *CorruptArchiveError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("corrupt archive: %s: entry %q: %v", e.Path, e.Entry, e.Err)
	}
	return fmt.Sprintf("corrupt archive: %s: %v", e.Path, e.Err)
}

func (e *CorruptArchiveError) Kind() Kind    { return KindCorruptArchive }
func (e *CorruptArchiveError) Unwrap() error { return e.Err }

// UnsafePathError is an archive entry that would land outside the extraction
// root: absolute names, parent traversal, or links pointing out.
type UnsafePathError struct {
	Entry  string
	Target string
	Reason string
}

func (e *UnsafePathError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("unsafe path: %q -> %q: %s", e.Entry, e.Target, e.Reason)
	}
	return fmt.Sprintf("unsafe path: %q: %s", e.Entry, e.Reason)
}

func (e *UnsafePathError) Kind() Kind { return KindUnsafePath }

type PermissionError struct {
	Path string
	Err  error
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s: %v", e.Path, e.Err)
}

func (e *PermissionError) Kind() Kind    { return KindPermission }
func (e *PermissionError) Unwrap() error { return e.Err }

type DiskSpaceError struct {
	Path      string
	Required  uint64
	Available uint64
	Err       error
}

func (e *DiskSpaceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("insufficient disk space: %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("insufficient disk space: %s: need %d bytes, %d available", e.Path, e.Required, e.Available)
}

func (e *DiskSpaceError) Kind() Kind    { return KindDiskSpace }
func (e *DiskSpaceError) Unwrap() error { return e.Err }

type CancelledError struct {
	Stage string
	Err   error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("cancelled during %s", e.Stage)
}

func (e *CancelledError) Kind() Kind    { return KindCancelled }
func (e *CancelledError) Unwrap() error { return e.Err }

type InvalidRequestError struct {
	Field  string
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

func (e *InvalidRequestError) Kind() Kind { return KindInvalidRequest }
