// Package credential 负责邮箱授权凭据的静态加密。
package credential

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

// KeySize secretbox 密钥长度
const KeySize = 32

const nonceSize = 24

var (
	// ErrInvalidKey 密钥长度不正确
	ErrInvalidKey = errors.New("credential key must be 32 bytes")
	// ErrDecrypt 密文损坏或密钥不匹配
	ErrDecrypt = errors.New("failed to decrypt credentials")
)

// Cipher 使用 NaCl secretbox 加解密凭据，输出为 base64(nonce || box)
type Cipher struct {
	key [KeySize]byte
}

// NewCipher 使用原始 32 字节密钥创建 Cipher
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	c := &Cipher{}
	copy(c.key[:], key)
	return c, nil
}

// NewCipherFromBase64 使用 base64 编码的密钥创建 Cipher
func NewCipherFromBase64(encoded string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid credential key encoding: %w", err)
	}
	return NewCipher(key)
}

// Seal 加密明文
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], plaintext, &nonce, &c.key)
	return base64.StdEncoding.EncodeToString(box), nil
}

// Open 解密 Seal 的输出
func (c *Cipher) Open(sealed string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return nil, ErrDecrypt
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])

	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &c.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plain, nil
}

// SealJSON 序列化后加密
func (c *Cipher) SealJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return c.Seal(data)
}

// OpenJSON 解密后反序列化
func (c *Cipher) OpenJSON(sealed string, v interface{}) error {
	data, err := c.Open(sealed)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
