package wecom

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken  = "callback-token"
	testCorpID = "ww1234567890abcdef"
)

// testEncodingKey returns a 43-char EncodingAESKey and the raw 32-byte key it
// decodes to.
func testEncodingKey(t *testing.T) (string, []byte) {
	t.Helper()

	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i + 1)
	}

	encoded := base64.StdEncoding.EncodeToString(raw)
	require.True(t, strings.HasSuffix(encoded, "="))

	return strings.TrimSuffix(encoded, "="), raw
}

// encryptEnvelope builds a provider envelope the way the provider does:
// random prefix, big-endian length, message, corp id, PKCS#7 pad, AES-CBC.
func encryptEnvelope(t *testing.T, key []byte, msg, corpID string) string {
	t.Helper()

	payload := make([]byte, 0, 20+len(msg)+len(corpID))
	payload = append(payload, []byte("0123456789abcdef")...)
	payload = binary.BigEndian.AppendUint32(payload, uint32(len(msg)))
	payload = append(payload, msg...)
	payload = append(payload, corpID...)

	pad := aes.BlockSize - len(payload)%aes.BlockSize
	for i := 0; i < pad; i++ {
		payload = append(payload, byte(pad))
	}

	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	ciphertext := make([]byte, len(payload))
	cipher.NewCBCEncrypter(block, key[:aes.BlockSize]).CryptBlocks(ciphertext, payload)

	return base64.StdEncoding.EncodeToString(ciphertext)
}

func TestCryptoDecrypt(t *testing.T) {
	encodingKey, raw := testEncodingKey(t)

	c, err := NewCrypto(testToken, encodingKey, testCorpID)
	require.NoError(t, err)

	msg := "<xml><Content><![CDATA[hello]]></Content></xml>"
	envelope := encryptEnvelope(t, raw, msg, testCorpID)

	plain, err := c.Decrypt(envelope)
	require.NoError(t, err)
	assert.Equal(t, msg, plain)
}

func TestCryptoDecryptCorpMismatch(t *testing.T) {
	encodingKey, raw := testEncodingKey(t)

	c, err := NewCrypto(testToken, encodingKey, testCorpID)
	require.NoError(t, err)

	envelope := encryptEnvelope(t, raw, "<xml/>", "ww_other_corp")

	_, err = c.Decrypt(envelope)
	assert.ErrorIs(t, err, ErrCorpIDMismatch)
}

func TestCryptoDecryptWrongKey(t *testing.T) {
	encodingKey, _ := testEncodingKey(t)

	c, err := NewCrypto(testToken, encodingKey, testCorpID)
	require.NoError(t, err)

	otherRaw := make([]byte, 32)
	for i := range otherRaw {
		otherRaw[i] = byte(200 - i)
	}
	envelope := encryptEnvelope(t, otherRaw, "<xml/>", testCorpID)

	_, err = c.Decrypt(envelope)
	assert.Error(t, err)
}

func TestCryptoDecryptGarbage(t *testing.T) {
	encodingKey, _ := testEncodingKey(t)

	c, err := NewCrypto(testToken, encodingKey, testCorpID)
	require.NoError(t, err)

	_, err = c.Decrypt("not base64 at all!!!")
	assert.Error(t, err)

	_, err = c.Decrypt(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestNewCryptoRejectsBadKey(t *testing.T) {
	_, err := NewCrypto(testToken, "tooshort", testCorpID)
	assert.Error(t, err)
}

func TestSignatureSortsInputs(t *testing.T) {
	encodingKey, _ := testEncodingKey(t)

	c, err := NewCrypto(testToken, encodingKey, testCorpID)
	require.NoError(t, err)

	timestamp, nonce, encrypted := "1700000000", "nonce123", "payload"

	parts := []string{testToken, timestamp, nonce, encrypted}
	sort.Strings(parts)
	sum := sha1.Sum([]byte(strings.Join(parts, "")))
	want := hex.EncodeToString(sum[:])

	assert.Equal(t, want, c.Signature(timestamp, nonce, encrypted))
	assert.True(t, c.VerifySignature(want, timestamp, nonce, encrypted))
	assert.False(t, c.VerifySignature("deadbeef", timestamp, nonce, encrypted))
}
