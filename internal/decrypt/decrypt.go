package decrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"hlsgrab/internal/models"
)

// Error reports a failed decryption. Retrying reproduces the same corrupt
// bytes, so the failure is terminal for the segment.
type Error struct {
	Reason string
}

func (e *Error) Error() string {
	return "decryption failed: " + e.Reason
}

// IV returns the initialization vector for a segment: the explicit IV from
// the key directive when present, otherwise the segment's absolute sequence
// number encoded big-endian into the low bytes of a zero 16-byte vector.
func IV(key *models.Key, sequence uint64) []byte {
	iv := make([]byte, aes.BlockSize)
	if key != nil && key.IV != nil {
		copy(iv, key.IV)
	} else {
		binary.BigEndian.PutUint64(iv[aes.BlockSize-8:], sequence)
	}
	return iv
}

// Apply decrypts a complete segment payload. Segments without a key
// reference pass through unchanged. The payload must be the segment's full
// concatenated bytes: CBC chaining requires block continuity from the
// segment start, so a byte-range sub-range must never be decrypted alone.
func Apply(seg models.Segment, keyBytes, data []byte) ([]byte, error) {
	if seg.Key == nil {
		return data, nil
	}
	return AES128CBC(data, keyBytes, IV(seg.Key, seg.Sequence))
}

// AES128CBC decrypts data with AES-128 in CBC mode and strips the PKCS#7
// padding from the final block.
func AES128CBC(data, key, iv []byte) ([]byte, error) {
	if len(key) != aes.BlockSize {
		return nil, &Error{Reason: fmt.Sprintf("key is %d bytes, want %d", len(key), aes.BlockSize)}
	}
	if len(iv) != aes.BlockSize {
		return nil, &Error{Reason: fmt.Sprintf("IV is %d bytes, want %d", len(iv), aes.BlockSize)}
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, &Error{Reason: fmt.Sprintf("ciphertext length %d is not a multiple of the block size", len(data))}
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &Error{Reason: err.Error()}
	}

	plaintext := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, data)

	return unpad(plaintext)
}

// unpad validates and removes PKCS#7 padding.
func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, &Error{Reason: "malformed padding"}
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, &Error{Reason: "malformed padding"}
		}
	}
	return b[:len(b)-n], nil
}
