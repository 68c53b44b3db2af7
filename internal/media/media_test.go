package media

import (
	"bytes"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 8 {
		for y := 0; y < h; y += 8 {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}

func TestCompressBoundsLongestSide(t *testing.T) {
	data := encodeJPEG(t, 4000, 2000)

	out, err := Compress(data)
	require.NoError(t, err)

	img, err := imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.LessOrEqual(t, img.Bounds().Dx(), MaxDimension)
	require.LessOrEqual(t, img.Bounds().Dy(), MaxDimension)
}

func TestCompressSmallImageKeepsSize(t *testing.T) {
	data := encodeJPEG(t, 300, 200)

	out, err := Compress(data)
	require.NoError(t, err)

	img, err := imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	require.Equal(t, 300, img.Bounds().Dx())
	require.Equal(t, 200, img.Bounds().Dy())
}

func TestCompressRejectsGarbage(t *testing.T) {
	_, err := Compress([]byte("not an image"))
	require.ErrorIs(t, err, ErrCompress)
}

func TestSealOpenRoundTrip(t *testing.T) {
	secret := bytes.Repeat([]byte{42}, 32)
	salt, err := NewSalt()
	require.NoError(t, err)

	key, err := DeriveKey(secret, salt)
	require.NoError(t, err)
	require.Len(t, key, 32)

	plaintext := []byte("image bytes")
	nonce, ciphertext, err := Seal(key, plaintext)
	require.NoError(t, err)
	require.Len(t, nonce, 24)
	require.NotEqual(t, plaintext, ciphertext)

	opened, err := Open(key, nonce, ciphertext)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	secret := bytes.Repeat([]byte{1}, 32)
	salt, err := NewSalt()
	require.NoError(t, err)

	k1, err := DeriveKey(secret, salt)
	require.NoError(t, err)
	k2, err := DeriveKey(secret, salt)
	require.NoError(t, err)
	require.Equal(t, k1, k2)

	other, err := NewSalt()
	require.NoError(t, err)
	k3, err := DeriveKey(secret, other)
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)
}

func TestOpenWrongKeyFails(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	nonce, ciphertext, err := Seal(key, []byte("secret"))
	require.NoError(t, err)

	wrong, err := NewKey()
	require.NoError(t, err)
	_, err = Open(wrong, nonce, ciphertext)
	require.ErrorIs(t, err, ErrDecrypt)
}
