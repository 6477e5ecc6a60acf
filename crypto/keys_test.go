package crypto

import (
	"encoding/hex"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestSignAndRecover(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	digest := Keccak256([]byte("intent"))

	sig, err := key.Sign(digest)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)

	addr, err := RecoverAddress(digest, sig)
	require.NoError(t, err)
	require.Equal(t, key.Address(), addr)

	// 27/28 style V values are accepted.
	legacy := append([]byte(nil), sig...)
	legacy[64] += 27
	addr, err = RecoverAddress(digest, legacy)
	require.NoError(t, err)
	require.Equal(t, key.Address(), addr)
}

func TestRecoverRejectsMalformedSignatures(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	digest := Keccak256([]byte("intent"))
	sig, err := key.Sign(digest)
	require.NoError(t, err)

	_, err = RecoverAddress(digest, sig[:64])
	require.ErrorIs(t, err, ErrInvalidSignatureLength)

	_, err = RecoverAddress(digest[:31], sig)
	require.ErrorIs(t, err, ErrInvalidDigest)

	// Flip S to its high-order twin: the same key would verify under plain
	// ecrecover but the malleable form must be refused.
	s := new(big.Int).SetBytes(sig[32:64])
	highS := new(big.Int).Sub(crypto.S256().Params().N, s)
	malleable := append([]byte(nil), sig...)
	copy(malleable[32:64], common32(highS))
	malleable[64] ^= 1
	_, err = RecoverAddress(digest, malleable)
	require.ErrorIs(t, err, ErrInvalidSignatureValues)
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "user.json")
	require.NoError(t, SaveToKeystoreWithParams(path, key, "secret", LightScrypt))

	loaded, err := LoadFromKeystore(path, "secret")
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}

func TestPrivateKeyFromHex(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	encoded := "0x" + hex.EncodeToString(key.Bytes())
	parsed, err := PrivateKeyFromHex(encoded)
	require.NoError(t, err)
	require.Equal(t, key.Address(), parsed.Address())
}

func common32(v *big.Int) []byte {
	out := make([]byte, 32)
	v.FillBytes(out)
	return out
}

