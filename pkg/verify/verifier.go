// Package verify checks a downloaded archive against its expected size,
// digest and, optionally, a detached OpenPGP signature.
package verify

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/ProtonMail/go-crypto/openpgp" //nolint:staticcheck // maintained fork of x/crypto/openpgp

	"github.com/releasekit/installer/pkg/errors"
)

// Trust is how strongly the archive's integrity was established.
type Trust string

const (
	TrustVerified Trust = "verified"
	TrustSigned   Trust = "signed"
	TrustDegraded Trust = "degraded"
)

const readChunk = 1024 * 1024

// Result describes a verified archive.
type Result struct {
	Path     string
	Size     int64
	Checksum Checksum
	Trust    Trust
}

// Verifier checks archives. A nil keyring disables signature checks.
type Verifier struct {
	keyring openpgp.EntityList
}

func New(keyring openpgp.EntityList) *Verifier {
	return &Verifier{keyring: keyring}
}

// HasKeyring reports whether signatures can be checked.
func (v *Verifier) HasKeyring() bool {
	return len(v.keyring) > 0
}

// LoadKeyring reads an armored or binary public keyring.
func LoadKeyring(path string) (openpgp.EntityList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open keyring")
	}
	defer f.Close()

	keyring, err := openpgp.ReadArmoredKeyRing(f)
	if err != nil {
		f.Seek(0, io.SeekStart)
		keyring, err = openpgp.ReadKeyRing(f)
		if err != nil {
			return nil, errors.Wrap(err, "read keyring")
		}
	}
	if len(keyring) == 0 {
		return nil, fmt.Errorf("keyring %s is empty", path)
	}
	return keyring, nil
}

// Open returns a verifier trusting the keyring at path. An empty path yields
// a verifier that cannot check signatures.
func Open(path string) (*Verifier, error) {
	if path == "" {
		return New(nil), nil
	}
	keyring, err := LoadKeyring(path)
	if err != nil {
		return nil, err
	}
	return New(keyring), nil
}

// Verify streams the file once, checking size before hashing, then checks
// the detached signature at signaturePath when one is given. With neither an
// expected checksum nor a signature the result is degraded: the digest is
// still computed and returned so it can be recorded, but nothing vouches for
// it.
func (v *Verifier) Verify(ctx context.Context, path string, expectedSize int64, expected Checksum, signaturePath string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Classify(errors.Wrap(err, "open archive"), path)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, errors.Classify(errors.Wrap(err, "stat archive"), path)
	}
	if expectedSize > 0 && fi.Size() != expectedSize {
		slog.Error("verify_size_mismatch", "path", path, "expected", expectedSize, "actual", fi.Size())
		return nil, &errors.SizeMismatchError{Path: path, Expected: expectedSize, Actual: fi.Size()}
	}

	algo := expected.Algorithm
	if expected.IsZero() {
		algo = SHA256
	}
	h := algo.new()
	buf := make([]byte, readChunk)
	for {
		if err := ctx.Err(); err != nil {
			return nil, &errors.CancelledError{Stage: "verifying", Err: err}
		}
		n, rerr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return nil, errors.Classify(errors.Wrap(rerr, "read archive"), path)
		}
	}

	actual := Checksum{Algorithm: algo, Hex: hex.EncodeToString(h.Sum(nil))}
	result := &Result{Path: path, Size: fi.Size(), Checksum: actual, Trust: TrustVerified}

	if !expected.IsZero() && !actual.Equal(expected) {
		slog.Error("verify_checksum_mismatch", "path", path, "expected", expected.String(), "actual", actual.String())
		return nil, &errors.ChecksumMismatchError{
			Path:      path,
			Algorithm: string(algo),
			Expected:  expected.Hex,
			Actual:    actual.Hex,
		}
	}

	switch {
	case signaturePath != "":
		if err := v.VerifySignature(ctx, path, signaturePath); err != nil {
			return nil, err
		}
		result.Trust = TrustSigned
	case expected.IsZero():
		result.Trust = TrustDegraded
		slog.Warn("verify_degraded_trust", "path", path, "size", fi.Size(), "computed", actual.String())
		return result, nil
	}

	slog.Info("verify_complete", "path", path, "size", fi.Size(), "checksum", actual.String(), "trust", result.Trust)
	return result, nil
}

// VerifySignature checks a detached signature (armored or binary) over path.
func (v *Verifier) VerifySignature(ctx context.Context, path, signaturePath string) error {
	if !v.HasKeyring() {
		return &errors.SignatureError{Path: path, Err: fmt.Errorf("no trusted keyring configured")}
	}
	if err := ctx.Err(); err != nil {
		return &errors.CancelledError{Stage: "verifying", Err: err}
	}

	archive, err := os.Open(path)
	if err != nil {
		return errors.Classify(errors.Wrap(err, "open archive"), path)
	}
	defer archive.Close()

	sig, err := os.Open(signaturePath)
	if err != nil {
		return errors.Classify(errors.Wrap(err, "open signature"), signaturePath)
	}
	defer sig.Close()

	signer, err := openpgp.CheckArmoredDetachedSignature(v.keyring, archive, sig, nil)
	if err != nil {
		archive.Seek(0, io.SeekStart)
		sig.Seek(0, io.SeekStart)
		signer, err = openpgp.CheckDetachedSignature(v.keyring, archive, sig, nil)
	}
	if err != nil {
		slog.Error("verify_signature_failed", "path", path, "signature", signaturePath, "error", err)
		return &errors.SignatureError{Path: path, Err: err}
	}

	slog.Info("verify_signature_ok", "path", path, "key_id", fmt.Sprintf("%X", signer.PrimaryKey.KeyId))
	return nil
}
