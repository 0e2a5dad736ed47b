package processing

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/BadgerOps/mirrorfed/internal/artifact"
	"github.com/BadgerOps/mirrorfed/internal/status"
)

// Checksum algorithm ids as they appear after artifact.PropChecksumPrefix.
const (
	AlgBlake3 = "blake3"
	AlgSHA512 = "sha-512"
	AlgSHA256 = "sha-256"
)

// algorithms in order of preference.
var algorithms = []struct {
	id  string
	new func() hash.Hash
}{
	{AlgBlake3, func() hash.Hash { return blake3.New() }},
	{AlgSHA512, sha512.New},
	{AlgSHA256, sha256.New},
}

// SupportedAlgorithm reports whether id can be verified.
func SupportedAlgorithm(id string) bool {
	for _, a := range algorithms {
		if a.id == id {
			return true
		}
	}
	return false
}

// Digest returns the hex digest of data for algorithm id.
func Digest(id string, data io.Reader) (string, error) {
	for _, a := range algorithms {
		if a.id != id {
			continue
		}
		h := a.new()
		if _, err := io.Copy(h, data); err != nil {
			return "", err
		}
		return hex.EncodeToString(h.Sum(nil)), nil
	}
	return "", fmt.Errorf("unsupported checksum algorithm %q", id)
}

// verifier hashes bytes on their way to next and compares the digest on
// Close.
type verifier struct {
	alg      string
	expected string
	h        hash.Hash
	next     io.Writer
	st       *status.Status
}

// NewChecksumVerifier returns a step that verifies the download checksum of
// d using the strongest algorithm d declares. ok is false when d declares no
// supported checksum.
func NewChecksumVerifier(d *artifact.Descriptor, next io.Writer) (s Step, alg string, ok bool) {
	sums := d.Checksums()
	for _, a := range algorithms {
		if want, found := sums[a.id]; found && want != "" {
			return &verifier{alg: a.id, expected: strings.ToLower(want), h: a.new(), next: next}, a.id, true
		}
	}
	return nil, "", false
}

func (v *verifier) Write(p []byte) (int, error) {
	n, err := v.next.Write(p)
	v.h.Write(p[:n])
	return n, err
}

func (v *verifier) Close() error {
	if v.st != nil {
		return v.st.Err
	}
	got := hex.EncodeToString(v.h.Sum(nil))
	if got != v.expected {
		err := fmt.Errorf("%s checksum mismatch: expected %s, got %s", v.alg, v.expected, got)
		v.st = status.New(status.Error, status.CodeChecksum, "downloaded bytes failed verification", err)
		return err
	}
	v.st = status.Success()
	return nil
}

func (v *verifier) Status() *status.Status { return v.st }
