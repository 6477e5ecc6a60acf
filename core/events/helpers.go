package events

import (
	"encoding/hex"
	"math/big"
	"strings"
)

func normalizeAsset(asset string) string {
	trimmed := strings.TrimSpace(asset)
	if trimmed == "" {
		return ""
	}
	return strings.ToUpper(trimmed)
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func zeroBytes(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func formatHash(h [32]byte) string {
	if zeroBytes(h[:]) {
		return ""
	}
	return "0x" + hex.EncodeToString(h[:])
}
