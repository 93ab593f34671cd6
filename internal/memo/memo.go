// Package memo encrypts transfer memos between a sender's memo key and a
// recipient's memo key.
//
// Both sides derive the same secp256k1 ECDH secret. A key and AEAD nonce are
// expanded from it with HKDF-SHA256, salted by the per-transfer nonce, and
// the memo is sealed with ChaCha20-Poly1305.
package memo

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfo = "ppy/memo/v1"

var (
	ErrEmptyMemo   = errors.New("memo is empty")
	ErrDecryptMemo = errors.New("memo decryption failed")
)

// Message is the memo field attached to a transfer.
type Message struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Nonce   uint64 `json:"nonce"`
	Message string `json:"message"`
}

// NewNonce returns a random nonce. Each memo gets its own.
func NewNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// Encrypt seals plaintext from priv to pub under nonce.
func Encrypt(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey, nonce uint64, plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, ErrEmptyMemo
	}
	aead, aeadNonce, err := cipherFor(priv, pub, nonce)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, aeadNonce, []byte(plaintext), nil), nil
}

// Decrypt opens ciphertext with the reader's private key and the other
// side's public key.
func Decrypt(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey, nonce uint64, ciphertext []byte) (string, error) {
	aead, aeadNonce, err := cipherFor(priv, pub, nonce)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, aeadNonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptMemo
	}
	return string(plain), nil
}

// Seal builds the memo field for a transfer.
func Seal(priv *secp256k1.PrivateKey, fromKey, toKey string, to *secp256k1.PublicKey, plaintext string) (*Message, error) {
	nonce, err := NewNonce()
	if err != nil {
		return nil, fmt.Errorf("memo nonce: %w", err)
	}
	ciphertext, err := Encrypt(priv, to, nonce, plaintext)
	if err != nil {
		return nil, err
	}
	return &Message{From: fromKey, To: toKey, Nonce: nonce, Message: hex.EncodeToString(ciphertext)}, nil
}

// Open decrypts a memo field.
func Open(priv *secp256k1.PrivateKey, other *secp256k1.PublicKey, msg Message) (string, error) {
	ciphertext, err := hex.DecodeString(msg.Message)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptMemo, err)
	}
	return Decrypt(priv, other, msg.Nonce, ciphertext)
}

func cipherFor(priv *secp256k1.PrivateKey, pub *secp256k1.PublicKey, nonce uint64) (cipher.AEAD, []byte, error) {
	shared := secp256k1.GenerateSharedSecret(priv, pub)
	defer zeroBytes(shared)

	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], nonce)
	material := make([]byte, chacha20poly1305.KeySize+chacha20poly1305.NonceSize)
	defer zeroBytes(material)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt[:], []byte(hkdfInfo)), material); err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(material[:chacha20poly1305.KeySize])
	if err != nil {
		return nil, nil, err
	}
	aeadNonce := append([]byte(nil), material[chacha20poly1305.KeySize:]...)
	return aead, aeadNonce, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
