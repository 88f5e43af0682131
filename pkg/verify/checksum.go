package verify

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// Algorithm names a supported digest.
type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
)

func (a Algorithm) new() hash.Hash {
	if a == SHA512 {
		return sha512.New()
	}
	return sha256.New()
}

func (a Algorithm) hexLen() int {
	if a == SHA512 {
		return sha512.Size * 2
	}
	return sha256.Size * 2
}

// Checksum is an expected or computed digest. The zero value means "none".
type Checksum struct {
	Algorithm Algorithm
	Hex       string
}

// ParseChecksum accepts "sha256:<hex>", "sha512:<hex>" or bare hex, which is
// taken as sha256 (or sha512 by length). The empty string yields the zero
// Checksum.
func ParseChecksum(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Checksum{}, nil
	}

	algo := SHA256
	digest := s
	if prefix, rest, ok := strings.Cut(s, ":"); ok {
		switch Algorithm(strings.ToLower(prefix)) {
		case SHA256:
			algo = SHA256
		case SHA512:
			algo = SHA512
		default:
			return Checksum{}, fmt.Errorf("unsupported checksum algorithm %q", prefix)
		}
		digest = rest
	} else if len(s) == SHA512.hexLen() {
		algo = SHA512
	}

	digest = strings.ToLower(digest)
	if len(digest) != algo.hexLen() {
		return Checksum{}, fmt.Errorf("%s checksum must be %d hex characters, got %d", algo, algo.hexLen(), len(digest))
	}
	if _, err := hex.DecodeString(digest); err != nil {
		return Checksum{}, fmt.Errorf("checksum is not hex: %w", err)
	}
	return Checksum{Algorithm: algo, Hex: digest}, nil
}

func (c Checksum) IsZero() bool { return c.Hex == "" }

func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}
	return string(c.Algorithm) + ":" + c.Hex
}

// Equal compares algorithm and digest, ignoring hex case.
func (c Checksum) Equal(o Checksum) bool {
	return c.Algorithm == o.Algorithm && strings.EqualFold(c.Hex, o.Hex)
}
