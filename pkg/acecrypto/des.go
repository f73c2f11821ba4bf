package acecrypto

import (
	"bytes"
	"crypto/des"
	"encoding/base64"
	"fmt"
)

// casKeySize is the single-DES key length the CAS login page derives from its lt token.
const casKeySize = 8

// DeriveCASKey truncates or zero-pads the UTF-8 bytes of the CAS lt token to
// exactly 8 bytes.
func DeriveCASKey(lt string) []byte {
	key := make([]byte, casKeySize)
	copy(key, lt)
	return key
}

// EncryptCASPassword encrypts secret for the CAS login form. The 24-byte
// triple-DES key is the 8-byte lt-derived key repeated three times, which is
// how the CAS server builds it; the result is ECB with PKCS#7 padding,
// base64 encoded.
func EncryptCASPassword(lt, secret string) (string, error) {
	k := DeriveCASKey(lt)
	key := bytes.Repeat(k, 3)

	block, err := des.NewTripleDESCipher(key)
	if err != nil {
		return "", fmt.Errorf("cas cipher: %w", err)
	}

	src := pkcs7Pad([]byte(secret), block.BlockSize())
	dst := make([]byte, len(src))
	// crypto/cipher has no ECB mode: encrypt each block independently.
	for off := 0; off < len(src); off += block.BlockSize() {
		block.Encrypt(dst[off:off+block.BlockSize()], src[off:off+block.BlockSize()])
	}
	return base64.StdEncoding.EncodeToString(dst), nil
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}
