package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of a recoverable secp256k1 signature (R || S || V).
const SignatureLength = crypto.SignatureLength

var (
	// ErrInvalidSignatureLength is returned when a signature is not 65 bytes long.
	ErrInvalidSignatureLength = errors.New("crypto: signature must be 65 bytes")
	// ErrInvalidSignatureValues reports out-of-range R/S/V components or a
	// malleable high-S signature.
	ErrInvalidSignatureValues = errors.New("crypto: invalid signature values")
	// ErrInvalidDigest is returned when the digest to sign or recover is not 32 bytes.
	ErrInvalidDigest = errors.New("crypto: digest must be 32 bytes")
)

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address returns the account address controlled by the key.
func (k *PrivateKey) Address() common.Address {
	return k.PubKey().Address()
}

func (k *PublicKey) Address() common.Address {
	return crypto.PubkeyToAddress(*k.PublicKey)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// PrivateKeyFromHex parses a hex encoded secp256k1 key, with or without 0x.
func PrivateKeyFromHex(raw string) (*PrivateKey, error) {
	if len(raw) >= 2 && (raw[:2] == "0x" || raw[:2] == "0X") {
		raw = raw[2:]
	}
	key, err := crypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse key: %w", err)
	}
	return &PrivateKey{key}, nil
}

// --- Signatures ---

// Sign produces a recoverable signature over a 32 byte digest. V is 0 or 1.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if k == nil || k.PrivateKey == nil {
		return nil, errors.New("crypto: nil private key")
	}
	if len(digest) != 32 {
		return nil, ErrInvalidDigest
	}
	return crypto.Sign(digest, k.PrivateKey)
}

// RecoverAddress returns the address that produced sig over digest. V may be
// encoded as 0/1 or 27/28; high-S signatures are rejected.
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	if len(digest) != 32 {
		return common.Address{}, ErrInvalidDigest
	}
	if len(sig) != SignatureLength {
		return common.Address{}, ErrInvalidSignatureLength
	}
	normalized := append([]byte(nil), sig...)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	r := new(big.Int).SetBytes(normalized[:32])
	s := new(big.Int).SetBytes(normalized[32:64])
	if !crypto.ValidateSignatureValues(normalized[64], r, s, true) {
		return common.Address{}, ErrInvalidSignatureValues
	}
	pub, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: recover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Keccak256 hashes the concatenation of the supplied byte slices.
func Keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}
