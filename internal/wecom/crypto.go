// Package wecom implements the WeChat Work message envelope: signature
// verification, AES-CBC payload decryption, and the enterprise push API.
package wecom

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidPadding means the decrypted block had malformed PKCS#7 padding,
	// almost always a wrong encoding key.
	ErrInvalidPadding = errors.New("wecom: invalid pkcs7 padding")
	// ErrCorpIDMismatch means the envelope decrypted cleanly but was addressed
	// to a different corp.
	ErrCorpIDMismatch = errors.New("wecom: receiver corp id mismatch")
	// ErrCiphertextTooShort means the envelope is shorter than its fixed prefix.
	ErrCiphertextTooShort = errors.New("wecom: ciphertext too short")
)

// Crypto decrypts WeChat Work encrypted envelopes and computes the provider's
// callback signature for one tenant's credentials.
type Crypto struct {
	token  string
	corpID string
	aesKey []byte
}

// NewCrypto builds a Crypto from the tenant's callback token, 43-character
// EncodingAESKey, and corp ID. The key decodes to 32 bytes after the
// provider's implicit "=" padding is restored.
func NewCrypto(token, encodingKey, corpID string) (*Crypto, error) {
	aesKey, err := base64.StdEncoding.DecodeString(encodingKey + "=")
	if err != nil {
		return nil, fmt.Errorf("decode encoding aes key: %w", err)
	}
	if len(aesKey) != 32 {
		return nil, fmt.Errorf("encoding aes key must decode to 32 bytes, got %d", len(aesKey))
	}

	return &Crypto{token: token, corpID: corpID, aesKey: aesKey}, nil
}

// Signature computes the provider's callback signature: SHA-1 over the
// lexicographically sorted concatenation of token, timestamp, nonce, and the
// encrypted payload.
func (c *Crypto) Signature(timestamp, nonce, encrypted string) string {
	parts := []string{c.token, timestamp, nonce, encrypted}
	sort.Strings(parts)

	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// VerifySignature reports whether the given signature matches the computed one.
func (c *Crypto) VerifySignature(signature, timestamp, nonce, encrypted string) bool {
	return c.Signature(timestamp, nonce, encrypted) == signature
}

// Decrypt opens one encrypted envelope and returns the plaintext message.
// The envelope layout after AES-256-CBC decryption and PKCS#7 unpadding is
// 16 random bytes, a 4-byte big-endian message length, the message, and the
// receiver corp ID.
func (c *Crypto) Decrypt(encrypted string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if len(ciphertext) < aes.BlockSize || len(ciphertext)%aes.BlockSize != 0 {
		return "", ErrCiphertextTooShort
	}

	block, err := aes.NewCipher(c.aesKey)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, c.aesKey[:aes.BlockSize]).CryptBlocks(plaintext, ciphertext)

	plaintext, err = pkcs7Unpad(plaintext)
	if err != nil {
		return "", err
	}

	if len(plaintext) < 20 {
		return "", ErrCiphertextTooShort
	}

	msgLen := binary.BigEndian.Uint32(plaintext[16:20])
	if int(msgLen) > len(plaintext)-20 {
		return "", ErrCiphertextTooShort
	}

	msg := plaintext[20 : 20+msgLen]
	receiver := string(plaintext[20+msgLen:])

	if c.corpID != "" && receiver != c.corpID {
		return "", ErrCorpIDMismatch
	}

	return string(msg), nil
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPadding
	}

	pad := int(data[len(data)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(data) {
		return nil, ErrInvalidPadding
	}

	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, ErrInvalidPadding
		}
	}

	return data[:len(data)-pad], nil
}
