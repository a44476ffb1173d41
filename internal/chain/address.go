package chain

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

// ErrAddressMismatch is returned when an address was not derived from the
// public key it is paired with.
var ErrAddressMismatch = errors.New("address does not match public key")

// DecodeAddress decodes a bech32 account address and checks its prefix.
func DecodeAddress(address, prefix string) ([]byte, error) {
	hrp, data, err := bech32.Decode(address)
	if err != nil {
		return nil, fmt.Errorf("invalid bech32 address %q: %w", address, err)
	}
	if hrp != prefix {
		return nil, fmt.Errorf("address %q has prefix %q, expected %q", address, hrp, prefix)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("convert address bits: %w", err)
	}
	if len(raw) != 20 && len(raw) != 32 {
		return nil, fmt.Errorf("address %q has invalid length %d", address, len(raw))
	}
	return raw, nil
}

// ValidateAddress reports whether address is a bech32 account address on the
// chain described by prefix.
func ValidateAddress(address, prefix string) error {
	_, err := DecodeAddress(address, prefix)
	return err
}

// AddressFromPubKey derives the account address of a compressed secp256k1
// public key: bech32(prefix, ripemd160(sha256(pubkey))).
func AddressFromPubKey(prefix string, pubKey []byte) (string, error) {
	if _, err := btcec.ParsePubKey(pubKey); err != nil {
		return "", fmt.Errorf("parse secp256k1 public key: %w", err)
	}
	data, err := bech32.ConvertBits(btcutil.Hash160(pubKey), 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("convert address bits: %w", err)
	}
	return bech32.Encode(prefix, data)
}

// VerifyAddress checks that address is the account address of a secp256k1
// public key.
func VerifyAddress(prefix, address string, pubKey []byte) error {
	raw, err := DecodeAddress(address, prefix)
	if err != nil {
		return err
	}
	if _, err := btcec.ParsePubKey(pubKey); err != nil {
		return fmt.Errorf("parse secp256k1 public key: %w", err)
	}
	if !bytes.Equal(raw, btcutil.Hash160(pubKey)) {
		return ErrAddressMismatch
	}
	return nil
}
