package state

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"os"
)

// EncryptionKeyEnvVar holds the passphrase for state encryption at rest.
// The AES-256 key is derived from it by SHA-256, so any passphrase length
// works and the raw passphrase never doubles as key material.
const EncryptionKeyEnvVar = "TERRAPIN_STATE_ENCRYPTION_KEY"

// encryptedMagic is the first line of an encrypted state document.
var encryptedMagic = []byte("#terrapin/aes256gcm\n")

// stateCipher returns the AEAD derived from the environment passphrase, or
// nil when encryption is not configured.
func stateCipher() (cipher.AEAD, error) {
	passphrase := os.Getenv(EncryptionKeyEnvVar)
	if passphrase == "" {
		return nil, nil
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptState seals state content with AES-256-GCM. Without a configured
// passphrase the content passes through unchanged.
func EncryptState(content []byte) ([]byte, error) {
	aead, err := stateCipher()
	if err != nil {
		return nil, err
	}
	if aead == nil {
		return content, nil
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, content, nil)

	var out bytes.Buffer
	out.Write(encryptedMagic)
	out.WriteString(base64.StdEncoding.EncodeToString(sealed))
	out.WriteByte('\n')
	return out.Bytes(), nil
}

// DecryptState opens sealed state content; plaintext passes through.
func DecryptState(content []byte) ([]byte, error) {
	if !IsEncrypted(content) {
		return content, nil
	}

	aead, err := stateCipher()
	if err != nil {
		return nil, err
	}
	if aead == nil {
		return nil, fmt.Errorf("state file is encrypted but %s is not set", EncryptionKeyEnvVar)
	}

	encoded := bytes.TrimSpace(bytes.TrimPrefix(content, encryptedMagic))
	sealed, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted state: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("encrypted state is truncated")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt state (wrong key?): %w", err)
	}
	return plaintext, nil
}

// IsEncrypted reports whether content is a sealed state document.
func IsEncrypted(content []byte) bool {
	return bytes.HasPrefix(content, encryptedMagic)
}
