// Package daemon holds the plumbing shared by hubd and spoked: YAML config
// helpers, admin authentication, genesis balances and graceful serving.
package daemon

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"crosslend/native/xchain"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := strings.TrimSpace(value.Value)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// AdminConfig secures the operator endpoints.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// Normalise resolves the token file into BearerToken.
func (a *AdminConfig) Normalise() error {
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	if token == "" {
		return fmt.Errorf("admin bearer_token must be configured")
	}
	a.BearerToken = token
	return nil
}

// RelayAuth configures the JWTs exchanged between relays.
type RelayAuth struct {
	Secret     string   `yaml:"secret"`
	SecretEnv  string   `yaml:"secret_env"`
	Issuer     string   `yaml:"issuer"`
	Audience   string   `yaml:"audience"`
	TokenTTL   Duration `yaml:"token_ttl"`
	ClockSkew  Duration `yaml:"clock_skew"`
	AllowPlain bool     `yaml:"allow_unauthenticated"`
}

// Normalise resolves the secret from the environment when requested.
func (r *RelayAuth) Normalise() error {
	r.Secret = strings.TrimSpace(r.Secret)
	if env := strings.TrimSpace(r.SecretEnv); env != "" && r.Secret == "" {
		r.Secret = strings.TrimSpace(os.Getenv(env))
		if r.Secret == "" {
			return fmt.Errorf("relay secret_env %s is empty", env)
		}
	}
	if r.Secret == "" && !r.AllowPlain {
		return fmt.Errorf("relay secret must be configured")
	}
	if r.Issuer == "" {
		r.Issuer = "crosslend"
	}
	if r.Audience == "" {
		r.Audience = "crosslend-relay"
	}
	if r.TokenTTL.Duration <= 0 {
		r.TokenTTL.Duration = time.Minute
	}
	return nil
}

// Balance is a genesis allocation minted into the local token book at
// start-up. Bridge accounts need one to release inbound value.
type Balance struct {
	Asset   string `yaml:"asset"`
	Account string `yaml:"account"`
	Amount  string `yaml:"amount"`
	// Spender, when set, receives an allowance for Amount.
	Spender string `yaml:"spender"`
}

// Minter is the token book surface used to seed balances.
type Minter interface {
	Mint(asset string, to common.Address, amount *big.Int) error
	Approve(asset string, owner, spender common.Address, amount *big.Int) error
}

// Seed mints every balance into book.
func Seed(book Minter, balances []Balance) error {
	for i, b := range balances {
		if !common.IsHexAddress(b.Account) {
			return fmt.Errorf("balances[%d]: invalid account %q", i, b.Account)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(b.Amount), 10)
		if !ok || amount.Sign() <= 0 {
			return fmt.Errorf("balances[%d]: invalid amount %q", i, b.Amount)
		}
		asset := xchain.NormalizeAsset(b.Asset)
		owner := common.HexToAddress(b.Account)
		if err := book.Mint(asset, owner, amount); err != nil {
			return fmt.Errorf("balances[%d]: %w", i, err)
		}
		if b.Spender == "" {
			continue
		}
		if !common.IsHexAddress(b.Spender) {
			return fmt.Errorf("balances[%d]: invalid spender %q", i, b.Spender)
		}
		if err := book.Approve(asset, owner, common.HexToAddress(b.Spender), amount); err != nil {
			return fmt.Errorf("balances[%d]: %w", i, err)
		}
	}
	return nil
}

// Decode reads a YAML file into out, rejecting unknown fields.
func Decode(path string, out any) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}
