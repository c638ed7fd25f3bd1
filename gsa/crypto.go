package gsa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"

	"github.com/rkreutz/openhaystack-server/errorz"
)

// Labels for the two sub-keys derived from the negotiated SRP key. The AES
// key uses the HMAC output whole; only the first block of the IV derivation
// survives.
const (
	labelExtraDataKey = "extra data key:"
	labelExtraDataIV  = "extra data iv:"
)

// deriveSubKey computes HMAC-SHA256(sessionKey, label).
func deriveSubKey(sessionKey []byte, label string) []byte {
	mac := hmac.New(sha256.New, sessionKey)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

// decryptPayload decrypts the spd blob with AES-256-CBC under keys derived
// from the verified session key and strips the PKCS#7 padding. A padding
// failure is not tolerated: it means the session key does not match and the
// plaintext is garbage.
func decryptPayload(sessionKey, ciphertext []byte) ([]byte, error) {
	key := deriveSubKey(sessionKey, labelExtraDataKey)
	iv := deriveSubKey(sessionKey, labelExtraDataIV)[:aes.BlockSize]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errorz.NewInternalError(fmt.Sprintf("init cipher: %v", err))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errorz.NewMalformedResponse(fmt.Sprintf("encrypted payload length %d is not a block multiple", len(ciphertext)))
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext, aes.BlockSize)
}

// pkcs7Unpad removes PKCS#7 padding, verifying every padding byte.
func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errorz.NewPaddingError()
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errorz.NewPaddingError()
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errorz.NewPaddingError()
		}
	}
	return data[:len(data)-n], nil
}
