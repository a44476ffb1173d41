// Package chain holds the fixed chain profiles the wallet session is bound to.
package chain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Network names a chain environment.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ParseNetwork parses a network name, case-insensitively.
func ParseNetwork(s string) (Network, error) {
	switch n := Network(strings.ToLower(strings.TrimSpace(s))); n {
	case Mainnet, Testnet:
		return n, nil
	default:
		return "", fmt.Errorf("unknown network %q (expected %q or %q)", s, Mainnet, Testnet)
	}
}

// Profile is the immutable description of a chain, in the shape browser
// signing extensions expect when a chain is suggested to them.
type Profile struct {
	ChainID       string       `toml:"chain_id" json:"chainId"`
	ChainName     string       `toml:"chain_name" json:"chainName"`
	RPC           string       `toml:"rpc" json:"rpc"`
	REST          string       `toml:"rest" json:"rest"`
	BIP44         BIP44        `toml:"bip44" json:"bip44"`
	Bech32Config  Bech32Config `toml:"bech32_config" json:"bech32Config"`
	StakeCurrency Currency     `toml:"stake_currency" json:"stakeCurrency"`
	Currencies    []Currency   `toml:"currencies" json:"currencies"`
	FeeCurrencies []Currency   `toml:"fee_currencies" json:"feeCurrencies"`
	Features      []string     `toml:"features" json:"features,omitempty"`
}

// BIP44 holds the HD derivation coin type.
type BIP44 struct {
	CoinType int `toml:"coin_type" json:"coinType"`
}

// Bech32Config holds the address prefixes used on the chain.
type Bech32Config struct {
	AccAddr  string `toml:"bech32_prefix_acc_addr" json:"bech32PrefixAccAddr"`
	AccPub   string `toml:"bech32_prefix_acc_pub" json:"bech32PrefixAccPub"`
	ValAddr  string `toml:"bech32_prefix_val_addr" json:"bech32PrefixValAddr"`
	ValPub   string `toml:"bech32_prefix_val_pub" json:"bech32PrefixValPub"`
	ConsAddr string `toml:"bech32_prefix_cons_addr" json:"bech32PrefixConsAddr"`
	ConsPub  string `toml:"bech32_prefix_cons_pub" json:"bech32PrefixConsPub"`
}

// Currency describes a denomination.
type Currency struct {
	CoinDenom        string        `toml:"coin_denom" json:"coinDenom"`
	CoinMinimalDenom string        `toml:"coin_minimal_denom" json:"coinMinimalDenom"`
	CoinDecimals     int           `toml:"coin_decimals" json:"coinDecimals"`
	GasPriceStep     *GasPriceStep `toml:"gas_price_step" json:"gasPriceStep,omitempty"`
}

// GasPriceStep holds the gas price tiers of a fee currency.
type GasPriceStep struct {
	Low     decimal.Decimal `toml:"low" json:"low"`
	Average decimal.Decimal `toml:"average" json:"average"`
	High    decimal.Decimal `toml:"high" json:"high"`
}

// Tier selects a gas price.
type Tier string

const (
	TierLow     Tier = "low"
	TierAverage Tier = "average"
	TierHigh    Tier = "high"
)

// Coin is an amount of a minimal denomination.
type Coin struct {
	Denom  string `json:"denom"`
	Amount string `json:"amount"`
}

// Prefix returns the account address prefix.
func (p Profile) Prefix() string {
	return p.Bech32Config.AccAddr
}

// Fee computes the fee for gasLimit at the given tier, paid in the first fee
// currency. The amount is rounded up to a whole minimal unit.
func (p Profile) Fee(gasLimit uint64, tier Tier) (Coin, error) {
	if len(p.FeeCurrencies) == 0 {
		return Coin{}, fmt.Errorf("chain %s has no fee currency", p.ChainID)
	}
	cur := p.FeeCurrencies[0]
	if cur.GasPriceStep == nil {
		return Coin{}, fmt.Errorf("fee currency %s has no gas price step", cur.CoinMinimalDenom)
	}

	var price decimal.Decimal
	switch tier {
	case TierLow:
		price = cur.GasPriceStep.Low
	case TierAverage, "":
		price = cur.GasPriceStep.Average
	case TierHigh:
		price = cur.GasPriceStep.High
	default:
		return Coin{}, fmt.Errorf("unknown fee tier %q", tier)
	}

	amount := price.Mul(decimal.NewFromUint64(gasLimit)).Ceil()
	return Coin{Denom: cur.CoinMinimalDenom, Amount: amount.String()}, nil
}

func (p Profile) validate() error {
	if p.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}
	if p.Bech32Config.AccAddr == "" {
		return fmt.Errorf("chain %s: bech32_prefix_acc_addr is required", p.ChainID)
	}
	if p.StakeCurrency.CoinMinimalDenom == "" {
		return fmt.Errorf("chain %s: stake_currency is required", p.ChainID)
	}
	for _, c := range p.FeeCurrencies {
		if c.GasPriceStep == nil {
			continue
		}
		s := c.GasPriceStep
		if s.Low.GreaterThan(s.Average) || s.Average.GreaterThan(s.High) {
			return fmt.Errorf("chain %s: gas price steps for %s must be ascending", p.ChainID, c.CoinMinimalDenom)
		}
	}
	return nil
}
