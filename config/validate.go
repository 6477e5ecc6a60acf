package config

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
)

// MaxBps is 100% in basis points.
const MaxBps = 10_000

// Validate checks a network for internal consistency.
func Validate(n *Network) error {
	if n == nil {
		return errors.New("config: network required")
	}
	if n.Hub.Domain == 0 {
		return errors.New("config: hub.Domain must be non-zero")
	}
	for field, addr := range map[string]string{
		"hub.Receiver":   n.Hub.Receiver,
		"hub.Forwarder":  n.Hub.Forwarder,
		"hub.Settlement": n.Hub.Settlement,
		"hub.Custody":    n.Hub.Custody,
	} {
		if err := requireAddress(field, addr); err != nil {
			return err
		}
	}
	if n.Hub.Bridge != "" {
		if err := requireAddress("hub.Bridge", n.Hub.Bridge); err != nil {
			return err
		}
	}
	if _, err := parseAmount(n.Hub.SettlementFee); err != nil {
		return fmt.Errorf("config: hub.SettlementFee: %w", err)
	}
	if err := optionalURL("hub.RelayURL", n.Hub.RelayURL); err != nil {
		return err
	}

	if len(n.Markets) == 0 {
		return errors.New("config: at least one market required")
	}
	symbols := make(map[string]struct{}, len(n.Markets))
	ids := make(map[string]struct{}, len(n.Markets))
	for i, m := range n.Markets {
		if m.Symbol == "" {
			return fmt.Errorf("config: markets[%d].Symbol required", i)
		}
		if _, dup := symbols[m.Symbol]; dup {
			return fmt.Errorf("config: duplicate market symbol %s", m.Symbol)
		}
		if _, dup := ids[m.ID]; dup {
			return fmt.Errorf("config: duplicate market id %s", m.ID)
		}
		symbols[m.Symbol] = struct{}{}
		ids[m.ID] = struct{}{}
		if m.CollateralFactorBps > MaxBps {
			return fmt.Errorf("config: markets[%s].CollateralFactorBps exceeds %d", m.ID, MaxBps)
		}
		if m.UtilisationCapBps > MaxBps {
			return fmt.Errorf("config: markets[%s].UtilisationCapBps exceeds %d", m.ID, MaxBps)
		}
		if _, err := parseAmount(m.BorrowCap); err != nil {
			return fmt.Errorf("config: markets[%s].BorrowCap: %w", m.ID, err)
		}
	}

	if len(n.Spokes) == 0 {
		return errors.New("config: at least one spoke required")
	}
	domains := map[uint64]struct{}{n.Hub.Domain: {}}
	for i, s := range n.Spokes {
		if s.Domain == 0 {
			return fmt.Errorf("config: spokes[%d].Domain must be non-zero", i)
		}
		if _, dup := domains[s.Domain]; dup {
			return fmt.Errorf("config: spokes[%d].Domain %d already used", i, s.Domain)
		}
		domains[s.Domain] = struct{}{}
		if err := requireAddress(fmt.Sprintf("spokes[%d].Relay", i), s.Relay); err != nil {
			return err
		}
		if err := requireAddress(fmt.Sprintf("spokes[%d].Receiver", i), s.Receiver); err != nil {
			return err
		}
		if s.Bridge != "" {
			if err := requireAddress(fmt.Sprintf("spokes[%d].Bridge", i), s.Bridge); err != nil {
				return err
			}
		}
		fee, err := parseAmount(s.MinRelayFee)
		if err != nil {
			return fmt.Errorf("config: spokes[%d].MinRelayFee: %w", i, err)
		}
		if fee.Sign() > 0 && s.FeeAsset == "" {
			return fmt.Errorf("config: spokes[%d].FeeAsset required with MinRelayFee", i)
		}
		for _, asset := range s.Assets {
			if _, ok := symbols[asset]; !ok {
				return fmt.Errorf("config: spokes[%d] lists %s which has no market", i, asset)
			}
		}
		if err := optionalURL(fmt.Sprintf("spokes[%d].RelayURL", i), s.RelayURL); err != nil {
			return err
		}
	}
	if _, err := parseAmount(n.Quota.MaxAmountPerEpoch); err != nil {
		return fmt.Errorf("config: quota.MaxAmountPerEpoch: %w", err)
	}
	return nil
}

func requireAddress(field, raw string) error {
	if !common.IsHexAddress(raw) || common.HexToAddress(raw) == (common.Address{}) {
		return fmt.Errorf("config: %s must be a non-zero hex address", field)
	}
	return nil
}

func optionalURL(field, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: %s must be an absolute URL", field)
	}
	return nil
}
