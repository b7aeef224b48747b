package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var ErrCiphertextTooShort = errors.New("ciphertext too short")

// PlainSecretProvider 明文透传，未配置 KEYSTORE_SECRET 时使用
type PlainSecretProvider struct{}

func (PlainSecretProvider) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (PlainSecretProvider) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

// AESSecretProvider AES-GCM 加密 Key Store 中的凭证
// 密文格式: base64(nonce || sealed)
type AESSecretProvider struct {
	gcm cipher.AEAD
}

// NewAESSecretProvider secret 必须是 16/24/32 字节 (AES-128/192/256)
func NewAESSecretProvider(secret string) (*AESSecretProvider, error) {
	key := []byte(secret)
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("invalid secret length %d: must be 16, 24, or 32 bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: new gcm: %w", err)
	}
	return &AESSecretProvider{gcm: gcm}, nil
}

func (p *AESSecretProvider) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, p.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("security: read nonce: %w", err)
	}
	sealed := p.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (p *AESSecretProvider) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("security: decode: %w", err)
	}

	ns := p.gcm.NonceSize()
	if len(data) < ns {
		return "", ErrCiphertextTooShort
	}
	plaintext, err := p.gcm.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("security: open: %w", err)
	}
	return string(plaintext), nil
}
