package xchain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"crosslend/crypto"
)

const intentPrimaryType = "LendingIntent"

// IntentID is the EIP-712 digest of an intent under a signing domain. It is
// unique per (domain, user, nonce, fields) and keys the settlement journal.
type IntentID [32]byte

func (id IntentID) Hex() string { return common.Hash(id).Hex() }

// IsZero reports whether the id is unset.
func (id IntentID) IsZero() bool { return id == IntentID{} }

// ParseIntentID decodes a 0x-prefixed 32 byte hex string.
func ParseIntentID(raw string) (IntentID, error) {
	b := common.FromHex(raw)
	if len(b) != 32 {
		return IntentID{}, fmt.Errorf("xchain: intent id must be 32 bytes")
	}
	var id IntentID
	copy(id[:], b)
	return id, nil
}

// SigningDomain binds signatures to one protocol version and one executing
// forwarder on one hub domain.
type SigningDomain struct {
	Name              string
	Version           string
	ChainID           DomainID
	VerifyingContract common.Address
}

var intentTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	intentPrimaryType: {
		{Name: "action", Type: "uint8"},
		{Name: "user", Type: "address"},
		{Name: "asset", Type: "string"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// TypedData renders the intent as EIP-712 typed data for wallets.
func (d SigningDomain) TypedData(intent Intent) apitypes.TypedData {
	chainID := new(big.Int).SetUint64(uint64(d.ChainID))
	return apitypes.TypedData{
		Types:       intentTypes,
		PrimaryType: intentPrimaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(chainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"action":   new(big.Int).SetUint64(uint64(intent.Action)),
			"user":     intent.User.Hex(),
			"asset":    intent.Asset,
			"amount":   CloneAmount(intent.Amount),
			"nonce":    new(big.Int).SetUint64(intent.Nonce),
			"deadline": new(big.Int).SetUint64(intent.Deadline),
		},
	}
}

// Digest computes the domain-separated hash a user signs for the intent.
func (d SigningDomain) Digest(intent Intent) (IntentID, error) {
	if err := intent.Validate(); err != nil {
		return IntentID{}, err
	}
	hash, _, err := apitypes.TypedDataAndHash(d.TypedData(intent))
	if err != nil {
		return IntentID{}, fmt.Errorf("xchain: hash typed data: %w", err)
	}
	var id IntentID
	copy(id[:], hash)
	return id, nil
}

// Sign produces a signed intent using the supplied key. The key must control
// intent.User.
func (d SigningDomain) Sign(key *crypto.PrivateKey, intent Intent) (SignedIntent, error) {
	if key == nil {
		return SignedIntent{}, fmt.Errorf("xchain: signing key required")
	}
	if key.Address() != intent.User {
		return SignedIntent{}, fmt.Errorf("%w: key does not control user", ErrInvalidIntent)
	}
	digest, err := d.Digest(intent)
	if err != nil {
		return SignedIntent{}, err
	}
	sig, err := key.Sign(digest[:])
	if err != nil {
		return SignedIntent{}, err
	}
	return SignedIntent{Intent: intent.Clone(), Signature: sig}, nil
}

// Recover returns the digest and the address that signed it.
func (d SigningDomain) Recover(signed SignedIntent) (IntentID, common.Address, error) {
	digest, err := d.Digest(signed.Intent)
	if err != nil {
		return IntentID{}, common.Address{}, err
	}
	signer, err := crypto.RecoverAddress(digest[:], signed.Signature)
	if err != nil {
		return digest, common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return digest, signer, nil
}

// Verify recovers the signer and requires it to equal the intent's user.
func (d SigningDomain) Verify(signed SignedIntent) (IntentID, error) {
	digest, signer, err := d.Recover(signed)
	if err != nil {
		return digest, err
	}
	if signer != signed.Intent.User {
		return digest, fmt.Errorf("%w: signer %s is not user %s", ErrInvalidSignature, signer.Hex(), signed.Intent.User.Hex())
	}
	return digest, nil
}
