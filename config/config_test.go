package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"crosslend/native/xchain"
)

const sample = `Name = "testnet"

[hub]
Domain = 10
Receiver = "0x000000000000000000000000000000000000ecec"
Forwarder = "0x000000000000000000000000000000000000f0f0"
Settlement = "0x0000000000000000000000000000000000005e77"
Custody = "0x00000000000000000000000000000000000c0575"
RelayURL = "http://hub.local:8081"

[[spokes]]
Name = "bsc"
Domain = 97
Relay = "0x0000000000000000000000000000000000000e1a"
Receiver = "0x000000000000000000000000000000000000dec0"
FeeAsset = "native"
MinRelayFee = "5"
Assets = ["usdc"]
RelayURL = "http://spoke.local:8082"

[[markets]]
Symbol = "usdc"
CollateralFactorBps = 8000

[pauses]
Lending = true
`

func writeNetwork(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "network.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadNetwork(t *testing.T) {
	net, err := LoadNetwork(writeNetwork(t, sample))
	require.NoError(t, err)

	require.Equal(t, "testnet", net.Name)
	require.Equal(t, "crosslend", net.Hub.SigningName)
	require.Equal(t, map[string]string{"USDC": "usdc-main"}, net.SymbolToMarket())
	require.Equal(t, map[string]string{"usdc-main": "USDC"}, net.MarketToSymbol())

	domain := net.SigningDomain()
	require.Equal(t, xchain.DomainID(10), domain.ChainID)
	require.Equal(t, common.HexToAddress("0x000000000000000000000000000000000000f0f0"), domain.VerifyingContract)

	spoke, ok := net.Spoke(97)
	require.True(t, ok)
	require.Equal(t, []string{"USDC"}, spoke.Assets)
	require.Equal(t, "NATIVE", spoke.FeeAsset)
	require.Equal(t, int64(5), spoke.MinFee().Int64())
	require.Equal(t, xchain.Endpoint{Domain: 97, Address: common.HexToAddress(spoke.Relay)}, spoke.RelayEndpoint())

	require.Equal(t, common.HexToAddress(spoke.Receiver), net.SettlementReceivers()[97])
	require.Equal(t, "http://spoke.local:8082", net.RelayRoutes()[97])
	require.Equal(t, []string{"lending"}, net.Pauses.PausedModules())
}

func TestLoadNetworkRejectsUnknownKeys(t *testing.T) {
	_, err := LoadNetwork(writeNetwork(t, sample+"\n[extra]\nFoo = 1\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown keys")
}

func TestValidateFailures(t *testing.T) {
	cases := map[string]struct {
		from, to string
		want     string
	}{
		"zero hub domain":  {"Domain = 10", "Domain = 0", "hub.Domain"},
		"bad forwarder":    {`Forwarder = "0x000000000000000000000000000000000000f0f0"`, `Forwarder = "nope"`, "hub.Forwarder"},
		"spoke reuses hub": {"Domain = 97", "Domain = 10", "already used"},
		"unknown asset":    {`Assets = ["usdc"]`, `Assets = ["doge"]`, "no market"},
		"factor too high":  {"CollateralFactorBps = 8000", "CollateralFactorBps = 10001", "CollateralFactorBps"},
		"fee asset":        {`FeeAsset = "native"`, `FeeAsset = ""`, "FeeAsset"},
		"bad url":          {`RelayURL = "http://hub.local:8081"`, `RelayURL = "hub"`, "absolute URL"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body := strings.Replace(sample, tc.from, tc.to, 1)
			require.NotEqual(t, sample, body)
			_, err := LoadNetwork(writeNetwork(t, body))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	net, err := LoadNetwork(writeNetwork(t, sample))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "nested", "network.toml")
	require.NoError(t, Save(path, net))
	again, err := LoadNetwork(path)
	require.NoError(t, err)
	require.Equal(t, net, again)
}
