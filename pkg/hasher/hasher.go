// Package hasher computes the per-page content digests and special-slot
// digests that a CodeDirectory's hash vector is built from.
//
// Grounded on the page-hash loop in blacktop/go-macho's ad-hoc signer
// (pkg/codesign/types), generalized to the full digest-algorithm set
// (sha1, sha256, sha256-truncated, sha384, sha512) instead of a single
// hard-coded sha256 pass.
package hasher

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
)

// Algorithm identifies a code-signing digest algorithm (cdHashType).
type Algorithm uint8

const (
	NoHash           Algorithm = 0
	SHA1             Algorithm = 1
	SHA256           Algorithm = 2
	SHA256Truncated  Algorithm = 3
	SHA384           Algorithm = 4
	SHA512           Algorithm = 5
	DefaultPageShift           = 12 // 4 KiB pages
)

// Size returns the on-disk hash size for the algorithm, after any
// truncation CodeDirectory applies (SHA256Truncated stores only the
// leading 20 bytes of a full SHA-256 digest).
func (a Algorithm) Size() int {
	switch a {
	case SHA1, SHA256Truncated:
		return 20
	case SHA256:
		return 32
	case SHA384:
		return 48
	case SHA512:
		return 64
	default:
		return 0
	}
}

func (a Algorithm) new() (hash.Hash, error) {
	switch a {
	case SHA1:
		return sha1.New(), nil
	case SHA256, SHA256Truncated:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("hasher: unsupported digest algorithm %d", a)
	}
}

// Sum hashes buf under the algorithm, truncating to Size() when the
// algorithm calls for it.
func (a Algorithm) Sum(buf []byte) ([]byte, error) {
	h, err := a.new()
	if err != nil {
		return nil, err
	}
	h.Write(buf)
	sum := h.Sum(nil)
	return sum[:a.Size()], nil
}

// PageHashes reads codeLimit bytes from r in pageSize-sized chunks and
// returns one digest per chunk (the final chunk may be short). The
// caller supplies codeLimit explicitly since it is not always the full
// remaining length of r (e.g. when hashing only up to the start of the
// signature's own SuperBlob).
func PageHashes(r io.Reader, codeLimit int64, pageSize int, alg Algorithm) ([][]byte, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("hasher: page size must be positive")
	}
	n := (codeLimit + int64(pageSize) - 1) / int64(pageSize)
	hashes := make([][]byte, 0, n)
	buf := make([]byte, pageSize)
	remaining := codeLimit
	for remaining > 0 {
		chunk := int64(pageSize)
		if remaining < chunk {
			chunk = remaining
		}
		if _, err := io.ReadFull(r, buf[:chunk]); err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("hasher: reading page at offset %d: %w", codeLimit-remaining, err)
		}
		sum, err := alg.Sum(buf[:chunk])
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, sum)
		remaining -= chunk
	}
	return hashes, nil
}
