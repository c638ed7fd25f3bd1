package gsa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rkreutz/openhaystack-server/errorz"
)

// pkcs7Pad is the test-side inverse of pkcs7Unpad.
func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+n)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

// encryptPayload is the test-side inverse of decryptPayload.
func encryptPayload(sessionKey, plaintext []byte) []byte {
	key := deriveSubKey(sessionKey, labelExtraDataKey)
	iv := deriveSubKey(sessionKey, labelExtraDataIV)[:aes.BlockSize]
	block, err := aes.NewCipher(key)
	if err != nil {
		panic(err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestPKCS7RoundTrip(t *testing.T) {
	for length := 0; length <= 10000; length++ {
		data := make([]byte, length)
		for i := range data {
			data[i] = byte(i % 251)
		}
		out, err := pkcs7Unpad(pkcs7Pad(data, 16), 16)
		require.NoError(t, err, "length %d", length)
		require.Equal(t, data, out, "length %d", length)
	}
}

func TestPKCS7UnpadRejectsInconsistentPadding(t *testing.T) {
	cases := map[string][]byte{
		"empty":             {},
		"not block aligned": make([]byte, 15),
		"zero pad byte":     append(make([]byte, 15), 0),
		"pad over block":    append(make([]byte, 15), 17),
		"mixed pad bytes":   {1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 3, 2},
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := pkcs7Unpad(data, 16)
			require.Error(t, err)
			assert.True(t, errorz.IsKind(err, errorz.KindPadding))
		})
	}
}

func TestDeriveSubKeyLabels(t *testing.T) {
	sessionKey := []byte("0123456789abcdef0123456789abcdef")

	mac := hmac.New(sha256.New, sessionKey)
	mac.Write([]byte("extra data key:"))
	assert.Equal(t, mac.Sum(nil), deriveSubKey(sessionKey, labelExtraDataKey))

	assert.NotEqual(t,
		deriveSubKey(sessionKey, labelExtraDataKey),
		deriveSubKey(sessionKey, labelExtraDataIV))
}

func TestDecryptPayloadRoundTrip(t *testing.T) {
	sessionKey := sha256.Sum256([]byte("negotiated"))
	plaintext := []byte("<dict><key>adsid</key><string>000123-05-abc</string></dict>")

	out, err := decryptPayload(sessionKey[:], encryptPayload(sessionKey[:], plaintext))
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestDecryptPayloadWrongKeyFailsPadding(t *testing.T) {
	goodKey := sha256.Sum256([]byte("negotiated"))
	badKey := sha256.Sum256([]byte("imposter"))
	plaintext := []byte("some payload bytes here.....")
	ciphertext := encryptPayload(goodKey[:], plaintext)

	out, err := decryptPayload(badKey[:], ciphertext)
	if err != nil {
		// The overwhelmingly likely outcome: garbage plaintext with
		// inconsistent padding, reported loudly.
		assert.True(t, errorz.IsKind(err, errorz.KindPadding))
	} else {
		assert.NotEqual(t, plaintext, out)
	}
}

func TestDecryptPayloadRejectsPartialBlocks(t *testing.T) {
	key := sha256.Sum256([]byte("negotiated"))
	_, err := decryptPayload(key[:], make([]byte, 17))
	require.Error(t, err)
	assert.True(t, errorz.IsKind(err, errorz.KindMalformedResponse))
}
