// Package config loads the TOML network file shared by every daemon and tool:
// the hub's contracts and signing domain, the spokes it serves, the lending
// markets and the initial pause switches.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"crosslend/native/xchain"
)

// Network describes one hub and its spokes.
type Network struct {
	Name    string   `toml:"Name"`
	Hub     Hub      `toml:"hub"`
	Spokes  []Spoke  `toml:"spokes"`
	Markets []Market `toml:"markets"`
	Pauses  Pauses   `toml:"pauses"`
	Quota   Quota    `toml:"quota"`
}

// Hub lists the hub domain contracts.
type Hub struct {
	Domain         uint64 `toml:"Domain"`
	Receiver       string `toml:"Receiver"`
	Forwarder      string `toml:"Forwarder"`
	Settlement     string `toml:"Settlement"`
	Custody        string `toml:"Custody"`
	Bridge         string `toml:"Bridge"`
	RelayURL       string `toml:"RelayURL"`
	SigningName    string `toml:"SigningName"`
	SigningVersion string `toml:"SigningVersion"`
	FeeAsset       string `toml:"FeeAsset"`
	SettlementFee  string `toml:"SettlementFee"`
}

// Spoke lists one origin domain and the assets it may relay.
type Spoke struct {
	Name        string   `toml:"Name"`
	Domain      uint64   `toml:"Domain"`
	Relay       string   `toml:"Relay"`
	Receiver    string   `toml:"Receiver"`
	Bridge      string   `toml:"Bridge"`
	RelayURL    string   `toml:"RelayURL"`
	FeeAsset    string   `toml:"FeeAsset"`
	MinRelayFee string   `toml:"MinRelayFee"`
	Assets      []string `toml:"Assets"`
}

// Market binds an asset symbol to a lending market.
type Market struct {
	Symbol              string `toml:"Symbol"`
	ID                  string `toml:"ID"`
	CollateralFactorBps uint64 `toml:"CollateralFactorBps"`
	BorrowCap           string `toml:"BorrowCap"`
	UtilisationCapBps   uint64 `toml:"UtilisationCapBps"`
}

// Pauses seeds the operator pause switches.
type Pauses struct {
	Relay      bool `toml:"Relay"`
	Forwarder  bool `toml:"Forwarder"`
	Settlement bool `toml:"Settlement"`
	Lending    bool `toml:"Lending"`
}

// Quota caps per-user relay activity per epoch.
type Quota struct {
	MaxRequestsPerEpoch uint32 `toml:"MaxRequestsPerEpoch"`
	MaxAmountPerEpoch   string `toml:"MaxAmountPerEpoch"`
	EpochSeconds        uint32 `toml:"EpochSeconds"`
}

// LoadNetwork reads and validates the network file at path. Unknown keys
// are rejected so typos do not silently fall back to defaults.
func LoadNetwork(path string) (*Network, error) {
	net := &Network{}
	meta, err := toml.DecodeFile(path, net)
	if err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config: %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	net.normalise()
	if err := Validate(net); err != nil {
		return nil, err
	}
	return net, nil
}

// Save writes the network file, creating parent directories.
func Save(path string, net *Network) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(net)
}

func (n *Network) normalise() {
	n.Name = strings.TrimSpace(n.Name)
	if n.Name == "" {
		n.Name = "crosslend-local"
	}
	if strings.TrimSpace(n.Hub.SigningName) == "" {
		n.Hub.SigningName = "crosslend"
	}
	if strings.TrimSpace(n.Hub.SigningVersion) == "" {
		n.Hub.SigningVersion = "1"
	}
	n.Hub.FeeAsset = xchain.NormalizeAsset(n.Hub.FeeAsset)
	for i := range n.Spokes {
		s := &n.Spokes[i]
		s.Name = strings.TrimSpace(s.Name)
		s.FeeAsset = xchain.NormalizeAsset(s.FeeAsset)
		for j := range s.Assets {
			s.Assets[j] = xchain.NormalizeAsset(s.Assets[j])
		}
	}
	for i := range n.Markets {
		n.Markets[i].Symbol = xchain.NormalizeAsset(n.Markets[i].Symbol)
		n.Markets[i].ID = strings.TrimSpace(n.Markets[i].ID)
		if n.Markets[i].ID == "" {
			n.Markets[i].ID = strings.ToLower(n.Markets[i].Symbol) + "-main"
		}
	}
}

// SigningDomain returns the EIP-712 domain intents are signed under.
func (n *Network) SigningDomain() xchain.SigningDomain {
	return xchain.SigningDomain{
		Name:              n.Hub.SigningName,
		Version:           n.Hub.SigningVersion,
		ChainID:           xchain.DomainID(n.Hub.Domain),
		VerifyingContract: common.HexToAddress(n.Hub.Forwarder),
	}
}

// HubEndpoint returns the hub receiver endpoint spokes send intents to.
func (n *Network) HubEndpoint() xchain.Endpoint {
	return xchain.Endpoint{Domain: xchain.DomainID(n.Hub.Domain), Address: common.HexToAddress(n.Hub.Receiver)}
}

// SettlementEndpoint returns the hub settlement endpoint.
func (n *Network) SettlementEndpoint() xchain.Endpoint {
	return xchain.Endpoint{Domain: xchain.DomainID(n.Hub.Domain), Address: common.HexToAddress(n.Hub.Settlement)}
}

// Spoke returns the spoke registered for domain.
func (n *Network) Spoke(domain uint64) (Spoke, bool) {
	for _, s := range n.Spokes {
		if s.Domain == domain {
			return s, true
		}
	}
	return Spoke{}, false
}

// RelayEndpoint returns the spoke relay endpoint the hub accepts intents
// from.
func (s Spoke) RelayEndpoint() xchain.Endpoint {
	return xchain.Endpoint{Domain: xchain.DomainID(s.Domain), Address: common.HexToAddress(s.Relay)}
}

// MinFee parses MinRelayFee; an empty value means no minimum.
func (s Spoke) MinFee() *big.Int {
	v, _ := parseAmount(s.MinRelayFee)
	return v
}

// SymbolToMarket maps asset symbols to market ids.
func (n *Network) SymbolToMarket() map[string]string {
	out := make(map[string]string, len(n.Markets))
	for _, m := range n.Markets {
		out[m.Symbol] = m.ID
	}
	return out
}

// MarketToSymbol maps market ids to their underlying symbol.
func (n *Network) MarketToSymbol() map[string]string {
	out := make(map[string]string, len(n.Markets))
	for _, m := range n.Markets {
		out[m.ID] = m.Symbol
	}
	return out
}

// SettlementReceivers maps spoke domains to their settlement receivers.
func (n *Network) SettlementReceivers() map[xchain.DomainID]common.Address {
	out := make(map[xchain.DomainID]common.Address, len(n.Spokes))
	for _, s := range n.Spokes {
		out[xchain.DomainID(s.Domain)] = common.HexToAddress(s.Receiver)
	}
	return out
}

// RelayRoutes maps every domain to its relay URL.
func (n *Network) RelayRoutes() map[xchain.DomainID]string {
	out := map[xchain.DomainID]string{xchain.DomainID(n.Hub.Domain): n.Hub.RelayURL}
	for _, s := range n.Spokes {
		out[xchain.DomainID(s.Domain)] = s.RelayURL
	}
	return out
}

// PausedModules lists the module names paused at start-up.
func (p Pauses) PausedModules() []string {
	var out []string
	add := func(on bool, name string) {
		if on {
			out = append(out, name)
		}
	}
	add(p.Relay, "relay")
	add(p.Forwarder, "forwarder")
	add(p.Settlement, "settlement")
	add(p.Lending, "lending")
	sort.Strings(out)
	return out
}

func parseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}

// ParseAmount parses a non-negative base-10 amount; empty means zero.
func ParseAmount(raw string) (*big.Int, error) { return parseAmount(raw) }
