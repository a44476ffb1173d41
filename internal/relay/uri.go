package relay

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const protocolVersion = 1

// Pairing is the out-of-band descriptor a remote signer needs to join a
// session: the handshake topic, the relay address and the pairing key.
type Pairing struct {
	Topic   string
	Version int
	Bridge  string
	Key     []byte
}

// URI renders the pairing as wc:<topic>@<version>?bridge=<url>&key=<hex>.
func (p Pairing) URI() string {
	v := p.Version
	if v == 0 {
		v = protocolVersion
	}
	return fmt.Sprintf("wc:%s@%d?bridge=%s&key=%s",
		p.Topic, v, url.QueryEscape(p.Bridge), hex.EncodeToString(p.Key))
}

// ParsePairingURI parses a pairing URI.
func ParsePairingURI(s string) (Pairing, error) {
	rest, ok := strings.CutPrefix(s, "wc:")
	if !ok {
		return Pairing{}, fmt.Errorf("pairing uri must start with wc:")
	}
	head, query, _ := strings.Cut(rest, "?")
	topic, version, ok := strings.Cut(head, "@")
	if !ok || topic == "" {
		return Pairing{}, fmt.Errorf("pairing uri has no topic")
	}
	v, err := strconv.Atoi(version)
	if err != nil {
		return Pairing{}, fmt.Errorf("invalid pairing version %q", version)
	}
	if v != protocolVersion {
		return Pairing{}, fmt.Errorf("unsupported pairing version %d", v)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return Pairing{}, fmt.Errorf("parse pairing query: %w", err)
	}
	bridge := values.Get("bridge")
	if bridge == "" {
		return Pairing{}, fmt.Errorf("pairing uri has no bridge")
	}
	key, err := hex.DecodeString(values.Get("key"))
	if err != nil || len(key) != KeySize {
		return Pairing{}, fmt.Errorf("pairing uri has an invalid key")
	}
	return Pairing{Topic: topic, Version: v, Bridge: bridge, Key: key}, nil
}
