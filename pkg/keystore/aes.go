package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
)

// aesKey is AES/CBC/PKCS7 over key material held in process memory.
type aesKey struct {
	block cipher.Block
}

func newAESKey(raw []byte) (*aesKey, error) {
	if len(raw) != KeyBits/8 {
		return nil, fmt.Errorf("%w: %d byte key", ErrAlgorithmUnsupported, len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	return &aesKey{block: block}, nil
}

func newKeyMaterial() ([]byte, error) {
	raw := make([]byte, KeyBits/8)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return nil, fmt.Errorf("keystore: generate key material: %w", err)
	}
	return raw, nil
}

func newIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("keystore: generate iv: %w", err)
	}
	return iv, nil
}

func (k *aesKey) Encrypt(iv, plaintext []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, ErrInvalidIV
	}
	out := pad(plaintext, aes.BlockSize)
	cipher.NewCBCEncrypter(k.block, iv).CryptBlocks(out, out)
	return out, nil
}

func (k *aesKey) Decrypt(iv, ciphertext []byte) ([]byte, error) {
	if len(iv) != aes.BlockSize {
		return nil, ErrInvalidIV
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(k.block, iv).CryptBlocks(out, ciphertext)
	return unpad(out, aes.BlockSize)
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte, size int) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, ErrInvalidCiphertext
	}
	want := make([]byte, n)
	for i := range want {
		want[i] = byte(n)
	}
	if subtle.ConstantTimeCompare(b[len(b)-n:], want) != 1 {
		return nil, ErrInvalidCiphertext
	}
	return b[:len(b)-n], nil
}
