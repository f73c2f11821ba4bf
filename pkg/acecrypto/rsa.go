package acecrypto

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

var (
	// ErrInvalidModulus is returned when the gateway's RSA modulus is not valid hex.
	ErrInvalidModulus = errors.New("invalid rsa modulus")
	// ErrInvalidExponent is returned when the gateway's RSA exponent is not a positive decimal.
	ErrInvalidExponent = errors.New("invalid rsa exponent")
	// ErrMessageTooLong is returned when the plaintext does not fit a PKCS#1 v1.5 block.
	ErrMessageTooLong = errors.New("message too long for rsa key size")
)

// pkcs1Overhead is 0x00 0x02, at least 8 padding bytes and the 0x00 separator.
const pkcs1Overhead = 11

// PasswordPlaintext joins the gateway password and the CSRF random code the
// way the gateway expects them inside the RSA block.
func PasswordPlaintext(secret, randCode string) string {
	return secret + "_" + randCode
}

// EncryptPassword RSA-encrypts plaintext with the public key given as a hex
// modulus and a decimal exponent, using PKCS#1 v1.5 type 2 padding, and
// returns the ciphertext as lowercase hex of exactly twice the key size.
//
// The non-zero padding bytes are drawn from SHAKE-256 over
// modulus||exponent||plaintext instead of a random source, which keeps the
// output deterministic while remaining decryptable by any PKCS#1 v1.5
// implementation.
func EncryptPassword(modulusHex, exponentDec, plaintext string) (string, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(modulusHex), 16)
	if !ok || n.Sign() <= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidModulus, modulusHex)
	}
	e, ok := new(big.Int).SetString(strings.TrimSpace(exponentDec), 10)
	if !ok || e.Sign() <= 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidExponent, exponentDec)
	}

	k := (n.BitLen() + 7) / 8
	msg := []byte(plaintext)
	if len(msg) > k-pkcs1Overhead {
		return "", fmt.Errorf("%w: %d bytes, key holds %d", ErrMessageTooLong, len(msg), k-pkcs1Overhead)
	}

	em := make([]byte, k)
	em[1] = 0x02
	ps := em[2 : k-len(msg)-1]
	fillPadding(ps, n.FillBytes(make([]byte, k)), e.String(), msg)
	copy(em[k-len(msg):], msg)

	c := new(big.Int).Exp(new(big.Int).SetBytes(em), e, n)
	return hex.EncodeToString(c.FillBytes(make([]byte, k))), nil
}

// fillPadding fills ps with the non-zero bytes of a SHAKE-256 stream seeded
// with the key material and the message.
func fillPadding(ps, modulus []byte, exponent string, msg []byte) {
	h := sha3.NewShake256()
	h.Write(modulus)
	h.Write([]byte(exponent))
	h.Write(msg)

	buf := make([]byte, len(modulus))
	i := 0
	for i < len(ps) {
		h.Read(buf)
		for _, b := range buf {
			if b == 0 {
				continue
			}
			ps[i] = b
			i++
			if i == len(ps) {
				return
			}
		}
	}
}
