package license

import (
	"crypto/rand"
	"fmt"
	"io"
	"strings"
)

// Crockford base32 without I, L, O and U so keys survive being read aloud
const keyAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	keyGroups    = 5
	keyGroupSize = 5
	keySymbols   = keyGroups * keyGroupSize // 125 bits
	keyLength    = keySymbols + keyGroups - 1
)

// KeyGenerator produces candidate license keys. Uniqueness is enforced by
// the store, which rejects collisions with live and retired keys.
type KeyGenerator interface {
	Generate() (string, error)
}

// RandomKeyGenerator draws keys from a cryptographic source
type RandomKeyGenerator struct {
	rand io.Reader
}

// NewKeyGenerator returns a generator backed by crypto/rand
func NewKeyGenerator() *RandomKeyGenerator {
	return &RandomKeyGenerator{rand: rand.Reader}
}

// Generate returns a key formatted as XXXXX-XXXXX-XXXXX-XXXXX-XXXXX
func (g *RandomKeyGenerator) Generate() (string, error) {
	// 25 symbols of 5 bits need 125 bits, read 16 bytes and drop 3 bits
	var buf [16]byte
	if _, err := io.ReadFull(g.rand, buf[:]); err != nil {
		return "", fmt.Errorf("read key entropy: %w", err)
	}

	var sb strings.Builder
	sb.Grow(keyLength)

	bit := 0
	for i := 0; i < keySymbols; i++ {
		if i > 0 && i%keyGroupSize == 0 {
			sb.WriteByte('-')
		}
		sb.WriteByte(keyAlphabet[read5(buf[:], bit)])
		bit += 5
	}
	return sb.String(), nil
}

// read5 extracts the 5-bit big-endian value starting at bit offset off
func read5(b []byte, off int) byte {
	idx, shift := off/8, off%8
	v := uint16(b[idx]) << 8
	if idx+1 < len(b) {
		v |= uint16(b[idx+1])
	}
	return byte(v>>(11-shift)) & 0x1f
}

// NormalizeKey canonicalises user supplied keys: whitespace is removed and
// letters are upper-cased.
func NormalizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\n', '\r':
			return -1
		}
		return r
	}, strings.ToUpper(key))
}
