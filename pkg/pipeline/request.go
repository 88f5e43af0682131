package pipeline

import (
	"net/url"
	"strings"

	"github.com/releasekit/installer/pkg/errors"
	"github.com/releasekit/installer/pkg/extract"
	"github.com/releasekit/installer/pkg/security"
	"github.com/releasekit/installer/pkg/verify"
)

// InstallRequest is the immutable input to one run.
type InstallRequest struct {
	// ID keys the run's scratch files and journal entry. Generated when empty;
	// reusing the ID of an interrupted run resumes it.
	ID  string
	URL string
	// ExpectedSize in bytes, 0 when unknown.
	ExpectedSize int64
	// Checksum is "sha256:<hex>", "sha512:<hex>" or bare sha256 hex.
	Checksum string
	// SignatureURL points at a detached OpenPGP signature of the archive.
	SignatureURL string
	// AllowUnverified permits installing with neither checksum nor signature.
	AllowUnverified bool
	TargetDir       string
	Version         string
	// Format is zip, tar or tar.gz; sniffed from the archive when empty.
	Format string
	// EnsureDirs are relative directories created in the install if the
	// archive does not contain them.
	EnsureDirs []string
}

var supportedSchemes = map[string]bool{"http": true, "https": true, "s3": true}

func invalid(field, reason string) error {
	return &errors.InvalidRequestError{Field: field, Reason: reason}
}

// Validate rejects malformed requests before any network or disk access.
func (r InstallRequest) Validate() error {
	if r.URL == "" {
		return invalid("url", "is required")
	}
	u, err := url.Parse(r.URL)
	if err != nil {
		return invalid("url", err.Error())
	}
	scheme := strings.ToLower(u.Scheme)
	if !supportedSchemes[scheme] {
		return invalid("url", "unsupported scheme "+`"`+u.Scheme+`"`)
	}
	if u.Host == "" {
		return invalid("url", "has no host")
	}
	if r.SignatureURL != "" {
		su, err := url.Parse(r.SignatureURL)
		if err != nil || !supportedSchemes[strings.ToLower(su.Scheme)] || su.Host == "" {
			return invalid("signature_url", "must be an absolute http, https or s3 URL")
		}
	}

	if strings.TrimSpace(r.TargetDir) == "" {
		return invalid("target_dir", "is required")
	}
	if strings.TrimSpace(r.Version) == "" {
		return invalid("version", "is required")
	}
	if r.ExpectedSize < 0 {
		return invalid("expected_size", "must not be negative")
	}

	sum, err := verify.ParseChecksum(r.Checksum)
	if err != nil {
		return invalid("checksum", err.Error())
	}
	if sum.IsZero() && r.SignatureURL == "" && !r.AllowUnverified {
		return invalid("checksum", "a checksum or signature is required unless unverified installs are allowed")
	}

	if _, err := extract.ParseFormat(r.Format); err != nil {
		return invalid("format", err.Error())
	}

	v := security.NewValidator(security.DefaultLimits)
	for _, d := range r.EnsureDirs {
		clean, err := v.ValidatePath(d)
		if err != nil {
			return invalid("ensure_dirs", err.Error())
		}
		if clean == "" {
			return invalid("ensure_dirs", "empty directory name")
		}
	}
	return nil
}

func (r InstallRequest) checksum() verify.Checksum {
	sum, _ := verify.ParseChecksum(r.Checksum)
	return sum
}

func (r InstallRequest) format() extract.Format {
	f, _ := extract.ParseFormat(r.Format)
	return f
}
