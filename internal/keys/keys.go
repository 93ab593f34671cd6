// Package keys holds per-role secp256k1 key pairs and their text forms.
package keys

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/ripemd160"
)

type Role string

const (
	RoleOwner   Role = "owner"
	RoleActive  Role = "active"
	RolePosting Role = "posting"
	RoleMemo    Role = "memo"
)

// Roles lists the roles derived for an account.
var Roles = []Role{RoleOwner, RoleActive, RolePosting, RoleMemo}

const (
	wifVersion    = 0x80
	checksumBytes = 4
	hkdfInfoRole  = "ppy/keys/role/v1/"
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidWIF       = errors.New("invalid wif")
	ErrInvalidMnemonic  = errors.New("invalid mnemonic")
	ErrPasswordRequired = errors.New("password is required")
	ErrAccountRequired  = errors.New("account name is required")
)

type KeyPair struct {
	Private *secp256k1.PrivateKey
	Public  *secp256k1.PublicKey
}

func NewKeyPair(priv *secp256k1.PrivateKey) KeyPair {
	return KeyPair{Private: priv, Public: priv.PubKey()}
}

// PublicKeyString renders the public key with the chain address prefix.
func (k KeyPair) PublicKeyString(prefix string) string {
	return PublicKeyString(k.Public, prefix)
}

// SigningKeySet holds the key pairs a caller supplied for one operation.
// It is never persisted.
type SigningKeySet struct {
	pairs map[Role]KeyPair
}

func NewSigningKeySet() *SigningKeySet {
	return &SigningKeySet{pairs: make(map[Role]KeyPair)}
}

func (s *SigningKeySet) Set(role Role, pair KeyPair) {
	s.pairs[role] = pair
}

func (s *SigningKeySet) Get(role Role) (KeyPair, bool) {
	if s == nil {
		return KeyPair{}, false
	}
	pair, ok := s.pairs[role]
	if !ok || pair.Private == nil {
		return KeyPair{}, false
	}
	return pair, true
}

// Public returns the prefixed public key for role, or "" when absent.
func (s *SigningKeySet) Public(role Role, prefix string) string {
	pair, ok := s.Get(role)
	if !ok {
		return ""
	}
	return pair.PublicKeyString(prefix)
}

// Zero clears every private key in the set.
func (s *SigningKeySet) Zero() {
	if s == nil {
		return
	}
	for role, pair := range s.pairs {
		if pair.Private != nil {
			pair.Private.Zero()
		}
		delete(s.pairs, role)
	}
}

// FromPassword derives the account's role keys the way the reference wallet
// does: sha256(account + role + password) per role.
func FromPassword(account, password string) (*SigningKeySet, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, ErrAccountRequired
	}
	if password == "" {
		return nil, ErrPasswordRequired
	}
	set := NewSigningKeySet()
	for _, role := range Roles {
		seed := sha256.Sum256([]byte(account + string(role) + password))
		set.Set(role, NewKeyPair(secp256k1.PrivKeyFromBytes(seed[:])))
	}
	return set, nil
}

// FromMnemonic derives role keys from a BIP-39 mnemonic.
func FromMnemonic(mnemonic, passphrase string) (*SigningKeySet, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, passphrase)
	set := NewSigningKeySet()
	for _, role := range Roles {
		raw, err := hkdfExpand(seed, hkdfInfoRole+string(role), 32)
		if err != nil {
			return nil, err
		}
		set.Set(role, NewKeyPair(secp256k1.PrivKeyFromBytes(raw)))
	}
	return set, nil
}

// NewMnemonic returns a fresh 24 word mnemonic.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

func PublicKeyString(pub *secp256k1.PublicKey, prefix string) string {
	compressed := pub.SerializeCompressed()
	sum := ripemd(compressed)
	return prefix + base58.Encode(append(compressed, sum[:checksumBytes]...))
}

// ParsePublicKey parses a prefixed public key.
func ParsePublicKey(text, prefix string) (*secp256k1.PublicKey, error) {
	if !strings.HasPrefix(text, prefix) {
		return nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidPublicKey, prefix)
	}
	raw, err := base58.Decode(strings.TrimPrefix(text, prefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(raw) != secp256k1.PubKeyBytesLenCompressed+checksumBytes {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidPublicKey, len(raw))
	}
	key, sum := raw[:secp256k1.PubKeyBytesLenCompressed], raw[secp256k1.PubKeyBytesLenCompressed:]
	if want := ripemd(key); !bytes.Equal(sum, want[:checksumBytes]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidPublicKey)
	}
	pub, err := secp256k1.ParsePubKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return pub, nil
}

// WIF encodes a private key in wallet import format.
func WIF(priv *secp256k1.PrivateKey) string {
	payload := append([]byte{wifVersion}, priv.Serialize()...)
	sum := doubleSHA256(payload)
	return base58.Encode(append(payload, sum[:checksumBytes]...))
}

func ParseWIF(text string) (*secp256k1.PrivateKey, error) {
	raw, err := base58.Decode(strings.TrimSpace(text))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWIF, err)
	}
	if len(raw) != 1+secp256k1.PrivKeyBytesLen+checksumBytes || raw[0] != wifVersion {
		return nil, ErrInvalidWIF
	}
	payload, sum := raw[:len(raw)-checksumBytes], raw[len(raw)-checksumBytes:]
	if want := doubleSHA256(payload); !bytes.Equal(sum, want[:checksumBytes]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidWIF)
	}
	return secp256k1.PrivKeyFromBytes(payload[1:]), nil
}

func ripemd(b []byte) []byte {
	h := ripemd160.New()
	_, _ = h.Write(b)
	return h.Sum(nil)
}

func doubleSHA256(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
