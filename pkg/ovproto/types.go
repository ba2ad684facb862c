// Package ovproto defines the wire protocol carried over every overlay
// bidirectional stream: the per-stream protocol tag header, the ack/ping
// handshake literals, the HTTP request/response envelopes, and the UDP
// datagram framing.
//
// IMPORTANT: this file is the source of truth for the wire format. Both
// sides of an overlay connection — whichever node opened the stream and
// whichever node accepted it — must agree on it exactly.
package ovproto

import (
	"encoding/json"
	"fmt"
)

// Tag names one of the application protocols multiplexed over a stream.
// It is a closed set; dispatch is a switch on Tag, never an open plugin
// registry.
type Tag string

// All protocol tags advertised on the wire.
const (
	TagPing         Tag = "Ping"
	TagWhatTimeIsIt Tag = "WhatTimeIsIt"
	TagHTTP         Tag = "Http"
	TagTCP          Tag = "Tcp"
	TagUDP          Tag = "Udp"
	TagSocks5       Tag = "Socks5"
	TagHTTPProxy    Tag = "HttpProxy"
	TagIdentity     Tag = "Identity"
)

// Valid reports whether t is one of the known tags.
func (t Tag) Valid() bool {
	switch t {
	case TagPing, TagWhatTimeIsIt, TagHTTP, TagTCP, TagUDP, TagSocks5, TagHTTPProxy, TagIdentity:
		return true
	default:
		return false
	}
}

// ALPN is the single application-layer-protocol-negotiation tag used by
// every overlay connection. Protocol multiplexing happens inside, over
// streams, not at the transport handshake.
const ALPN = "/kulfi/identity/0.1"

// Ack is the literal line sent by the accepting side once it has parsed a
// stream's Header and before any further bytes may flow. Ping is the one
// exception: its reply (Pong) is the liveness check, so no separate ack
// line is sent for it.
const Ack = "ack"

// Pong is the literal 5-byte reply (with trailing newline) to a Ping
// header. No ack precedes it.
const Pong = "pong"

// Header is the first line written on every new bidirectional stream,
// JSON-encoded, newline-terminated.
type Header struct {
	Protocol Tag    `json:"protocol"`
	Extra    string `json:"extra,omitempty"`
}

// ConnectProxyData is the HttpProxy "extra" payload for a CONNECT tunnel.
type ConnectProxyData struct {
	Connect struct {
		Addr string `json:"addr"`
	} `json:"Connect"`
}

// HTTPProxyData is the HttpProxy "extra" payload for a plain relayed HTTP
// request whose destination the peer selects from its own allow-list.
type HTTPProxyData struct {
	HTTP struct {
		Addr string `json:"addr"`
	} `json:"Http"`
}

// ProxyKind distinguishes the two ProxyData variants after parsing Extra.
type ProxyKind int

const (
	ProxyKindUnknown ProxyKind = iota
	ProxyKindConnect
	ProxyKindHTTP
)

// ParseProxyData inspects a HttpProxy header's Extra field and returns
// which variant it is and the target address.
func ParseProxyData(extra string) (ProxyKind, string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(extra), &raw); err != nil {
		return ProxyKindUnknown, "", fmt.Errorf("ovproto: malformed HttpProxy extra: %w", err)
	}

	if v, ok := raw["Connect"]; ok {
		var body struct {
			Addr string `json:"addr"`
		}
		if err := json.Unmarshal(v, &body); err != nil {
			return ProxyKindUnknown, "", fmt.Errorf("ovproto: malformed Connect payload: %w", err)
		}
		return ProxyKindConnect, body.Addr, nil
	}

	if v, ok := raw["Http"]; ok {
		var body struct {
			Addr string `json:"addr"`
		}
		if err := json.Unmarshal(v, &body); err != nil {
			return ProxyKindUnknown, "", fmt.Errorf("ovproto: malformed Http payload: %w", err)
		}
		return ProxyKindHTTP, body.Addr, nil
	}

	return ProxyKindUnknown, "", fmt.Errorf("ovproto: HttpProxy extra has neither Connect nor Http")
}

// EncodeHeader marshals h to its single-line wire form, without the
// trailing newline (the caller writes that, matching the Framed Reader's
// line-delimited contract).
func EncodeHeader(h Header) ([]byte, error) {
	if !h.Protocol.Valid() {
		return nil, fmt.Errorf("ovproto: invalid protocol tag %q", h.Protocol)
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("ovproto: encode header: %w", err)
	}
	return b, nil
}

// DecodeHeader parses a single header line (without its trailing newline).
func DecodeHeader(line []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return Header{}, fmt.Errorf("ovproto: decode header: %w", err)
	}
	if !h.Protocol.Valid() {
		return Header{}, fmt.Errorf("ovproto: unknown protocol tag %q", h.Protocol)
	}
	return h, nil
}

// HeaderEntry is one (name, value) pair as carried in an HTTP envelope.
// Value is encoded on the wire as a JSON array of byte values rather than a
// JSON string, since header values are not guaranteed to be valid UTF-8.
type HeaderEntry struct {
	Name  string
	Value []byte
}

// MarshalJSON renders the entry as the wire tuple ["name", [b0, b1, ...]].
func (h HeaderEntry) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(h.Value))
	for i, b := range h.Value {
		ints[i] = int(b)
	}
	return json.Marshal([2]any{h.Name, ints})
}

// UnmarshalJSON parses the wire tuple ["name", [b0, b1, ...]].
func (h *HeaderEntry) UnmarshalJSON(data []byte) error {
	var tuple [2]json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("ovproto: malformed header entry: %w", err)
	}
	if err := json.Unmarshal(tuple[0], &h.Name); err != nil {
		return fmt.Errorf("ovproto: malformed header name: %w", err)
	}
	var ints []int
	if err := json.Unmarshal(tuple[1], &ints); err != nil {
		return fmt.Errorf("ovproto: malformed header value: %w", err)
	}
	h.Value = make([]byte, len(ints))
	for i, v := range ints {
		h.Value[i] = byte(v)
	}
	return nil
}

// HTTPRequestEnvelope is the single JSON line preceding a relayed HTTP
// request's body bytes.
type HTTPRequestEnvelope struct {
	URI     string        `json:"uri"`
	Method  string        `json:"method"`
	Headers []HeaderEntry `json:"headers,omitempty"`
}

// HTTPResponseEnvelope is the single JSON line preceding a relayed HTTP
// response's body bytes.
type HTTPResponseEnvelope struct {
	Status  int           `json:"status"`
	Headers []HeaderEntry `json:"headers,omitempty"`
}
