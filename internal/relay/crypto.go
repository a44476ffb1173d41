package relay

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of a pairing key.
const KeySize = chacha20poly1305.KeySize

// ErrDecrypt is returned for payloads that fail authentication.
var ErrDecrypt = errors.New("relay payload failed authentication")

type sealedPayload struct {
	Data  string `json:"data"`
	Nonce string `json:"nonce"`
}

// NewKey returns a random pairing key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate pairing key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext under key and returns the frame payload.
func Seal(key, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out, err := json.Marshal(sealedPayload{
		Data:  hex.EncodeToString(aead.Seal(nil, nonce, plaintext, nil)),
		Nonce: hex.EncodeToString(nonce),
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Open decrypts a frame payload produced by Seal.
func Open(key []byte, payload string) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	var p sealedPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	nonce, err := hex.DecodeString(p.Nonce)
	if err != nil || len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("decode nonce: %w", ErrDecrypt)
	}
	data, err := hex.DecodeString(p.Data)
	if err != nil {
		return nil, fmt.Errorf("decode data: %w", ErrDecrypt)
	}
	plain, err := aead.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}
