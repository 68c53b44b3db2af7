// Package media implements the image half of the metadata pipeline:
// compression, per-group key derivation and authenticated encryption of
// image bytes before they reach object storage.
package media

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/disintegration/imaging"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	// ErrCompress marks a failed image re-encode. Fatal to the upload attempt.
	ErrCompress = errors.New("image compression failed")
	// ErrEncrypt marks a failed seal. Fatal to the upload attempt.
	ErrEncrypt = errors.New("image encryption failed")
	// ErrDecrypt marks ciphertext that fails authentication.
	ErrDecrypt = errors.New("image decryption failed")
)

// MaxDimension bounds the longest side of uploaded conversation images.
const MaxDimension = 1280

const (
	keySize   = 32
	nonceSize = 24
	saltSize  = 16
)

// Compress decodes the image and re-encodes it as JPEG bounded to
// MaxDimension on the longest side. Smaller images are only re-encoded.
func Compress(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrCompress, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > MaxDimension || bounds.Dy() > MaxDimension {
		img = imaging.Fit(img, MaxDimension, MaxDimension, imaging.Lanczos)
	}

	var out bytes.Buffer
	if err := imaging.Encode(&out, img, imaging.JPEG, imaging.JPEGQuality(82)); err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrCompress, err)
	}
	return out.Bytes(), nil
}

// NewKey returns a fresh random symmetric key. Attachments get one key per
// message instead of the derived conversation-image key.
func NewKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: key: %v", ErrEncrypt, err)
	}
	return key, nil
}

// NewSalt returns a fresh random key-derivation salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrEncrypt, err)
	}
	return salt, nil
}

// DeriveKey derives the per-group symmetric image key from the group secret
// and salt. The same (secret, salt) pair always yields the same key, so an
// unchanged image reference can be decrypted without re-negotiation.
func DeriveKey(groupSecret, salt []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, groupSecret, salt, []byte("conversation-image"))
	key := make([]byte, keySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrEncrypt, err)
	}
	return key, nil
}

// Seal encrypts plaintext with the derived key and returns the nonce and
// ciphertext separately; the nonce travels with the image reference.
func Seal(key, plaintext []byte) (nonce, ciphertext []byte, err error) {
	if len(key) != keySize {
		return nil, nil, fmt.Errorf("%w: key must be %d bytes", ErrEncrypt, keySize)
	}
	var n [nonceSize]byte
	if _, err := rand.Read(n[:]); err != nil {
		return nil, nil, fmt.Errorf("%w: nonce: %v", ErrEncrypt, err)
	}
	var k [keySize]byte
	copy(k[:], key)
	sealed := secretbox.Seal(nil, plaintext, &n, &k)
	return n[:], sealed, nil
}

// Open decrypts ciphertext produced by Seal.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(key) != keySize || len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: bad key or nonce length", ErrDecrypt)
	}
	var k [keySize]byte
	copy(k[:], key)
	var n [nonceSize]byte
	copy(n[:], nonce)
	plaintext, ok := secretbox.Open(nil, ciphertext, &n, &k)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}
