// Package signing defines the signer capability shared by every wallet
// backend and the sign document it operates on.
package signing

import (
	"encoding/json"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/ashureev/walletlink/internal/domain"
)

// SignDoc is a direct-mode Cosmos sign document.
type SignDoc struct {
	BodyBytes     []byte
	AuthInfoBytes []byte
	ChainID       string
	AccountNumber uint64
}

// signDocWire is the JSON form exchanged with remote signers: byte fields
// are hex and the account number is a decimal string.
type signDocWire struct {
	ChainID       string          `json:"chainId"`
	AccountNumber string          `json:"accountNumber"`
	AuthInfoBytes domain.HexBytes `json:"authInfoBytes"`
	BodyBytes     domain.HexBytes `json:"bodyBytes"`
}

func (d SignDoc) MarshalJSON() ([]byte, error) {
	return json.Marshal(signDocWire{
		ChainID:       d.ChainID,
		AccountNumber: strconv.FormatUint(d.AccountNumber, 10),
		AuthInfoBytes: d.AuthInfoBytes,
		BodyBytes:     d.BodyBytes,
	})
}

func (d *SignDoc) UnmarshalJSON(data []byte) error {
	var w signDocWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	n, err := strconv.ParseUint(w.AccountNumber, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid account number %q: %w", w.AccountNumber, err)
	}
	*d = SignDoc{
		BodyBytes:     w.BodyBytes,
		AuthInfoBytes: w.AuthInfoBytes,
		ChainID:       w.ChainID,
		AccountNumber: n,
	}
	return nil
}

// Validate checks the fields a signer requires.
func (d SignDoc) Validate(chainID string) error {
	if len(d.BodyBytes) == 0 {
		return domain.NewError(domain.CodeInvalidRequest, "sign doc has no body")
	}
	if len(d.AuthInfoBytes) == 0 {
		return domain.NewError(domain.CodeInvalidRequest, "sign doc has no auth info")
	}
	if d.ChainID != chainID {
		return domain.NewError(domain.CodeInvalidRequest,
			fmt.Sprintf("sign doc is for chain %q, session is on %q", d.ChainID, chainID))
	}
	return nil
}

// SignBytes returns the canonical protobuf encoding of the document, the
// bytes a direct-mode signature commits to.
func (d SignDoc) SignBytes() []byte {
	var b []byte
	if len(d.BodyBytes) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, d.BodyBytes)
	}
	if len(d.AuthInfoBytes) > 0 {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, d.AuthInfoBytes)
	}
	if d.ChainID != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, d.ChainID)
	}
	if d.AccountNumber != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, d.AccountNumber)
	}
	return b
}

// AccountData is an account exposed by a signer.
type AccountData struct {
	Address string          `json:"bech32Address"`
	Algo    string          `json:"algo"`
	PubKey  domain.HexBytes `json:"pubKey"`
}

// PubKey is an amino-JSON public key.
type PubKey struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// StdSignature is a signature with the key that produced it.
type StdSignature struct {
	PubKey    PubKey `json:"pub_key"`
	Signature string `json:"signature"`
}

// DirectSignResponse is the result of a direct-mode sign. Signed may differ
// from the requested document if the signer adjusted fees.
type DirectSignResponse struct {
	Signed    SignDoc      `json:"signed"`
	Signature StdSignature `json:"signature"`
}
