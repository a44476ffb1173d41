package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/walletlink/internal/chain"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("sign: %w", Wrap(CodeSignTimeout, "no response", errors.New("deadline")))

	assert.ErrorIs(t, err, ErrSignTimeout)
	assert.NotErrorIs(t, err, ErrSessionLost)
	assert.Equal(t, CodeSignTimeout, CodeOf(err))
	assert.Equal(t, "sign: no response: deadline", err.Error())
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestCodeMetadata(t *testing.T) {
	assert.True(t, CodeSignTimeout.Retryable())
	assert.False(t, CodeConnectRejected.Retryable())
	assert.Equal(t, http.StatusGatewayTimeout, HTTPStatus(CodeSignTimeout))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(Code("other")))
}

func newSession(t *testing.T, typ WalletType) Session {
	t.Helper()
	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey().SerializeCompressed()
	addr, err := chain.AddressFromPubKey("atone", pub)
	require.NoError(t, err)
	s := Session{WalletType: typ, Address: addr, PubKey: pub, Algo: AlgoSecp256k1}
	if typ == WalletRelayed {
		s.PeerID = "peer-1"
	}
	return s
}

func TestSessionValidate(t *testing.T) {
	s := newSession(t, WalletRelayed)
	require.NoError(t, s.Validate("atone"))

	tests := []struct {
		name   string
		mutate func(*Session)
	}{
		{"unknown type", func(s *Session) { s.WalletType = "ledger" }},
		{"missing address", func(s *Session) { s.Address = "" }},
		{"missing pubkey", func(s *Session) { s.PubKey = nil }},
		{"missing peer", func(s *Session) { s.PeerID = "" }},
		{"wrong prefix", func(s *Session) {
			addr, _ := chain.AddressFromPubKey("cosmos", s.PubKey)
			s.Address = addr
		}},
		{"foreign pubkey", func(s *Session) { s.PubKey = newSession(t, WalletRelayed).PubKey }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := s
			tt.mutate(&c)
			assert.ErrorIs(t, c.Validate("atone"), ErrStorageCorrupt)
		})
	}
}

func TestSessionJSONUsesHexPubKey(t *testing.T) {
	s := newSession(t, WalletInjected)
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pubKey":"`+s.PubKey.String()+`"`)

	var back Session
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s.PubKey, back.PubKey)
	assert.NotContains(t, string(data), "peerId")
}
