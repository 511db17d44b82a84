// Package wire defines the signed JSON envelope exchanged between APN nodes,
// over both the direct transport and the relay. Every message carries the
// sender's public key and an ECDSA signature over the payload; receivers
// reject anything that does not verify against the claimed sender.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alpha-protocol/apn-node/src/crypto"
	"github.com/alpha-protocol/apn-node/src/crypto/keys"
	"github.com/alpha-protocol/apn-node/src/identity"
	"github.com/alpha-protocol/apn-node/src/resources"
)

// Logical topics. The relay routes on these; the direct transport carries
// them inside the frame.
const (
	TopicDiscovery = "apn.discovery"
	TopicHeartbeat = "apn.heartbeat"
	TopicPeers     = "apn.peers"
)

// Type discriminates the payload of a Message.
type Type string

// Message types.
const (
	TypeAnnounce  Type = "announce"
	TypeHeartbeat Type = "heartbeat"
	TypePeers     Type = "peers"
)

// ErrSignatureInvalid is returned when a message's signature does not verify
// against the claimed sender. Such messages are dropped without touching the
// registry.
var ErrSignatureInvalid = errors.New("signature invalid")

// Message is the signed envelope for all APN wire traffic.
type Message struct {
	Type      Type            `json:"type"`
	From      string          `json:"from"`
	Wallet    string          `json:"wallet"`
	PubKey    string          `json:"pub_key"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// AnnouncePayload introduces a node to the network.
type AnnouncePayload struct {
	NodeID       string             `json:"node_id"`
	Wallet       string             `json:"wallet_address"`
	PubKey       string             `json:"public_key"`
	Capabilities []string           `json:"capabilities"`
	Resources    resources.Snapshot `json:"resources"`
}

// HeartbeatPayload is the periodic liveness and capacity report.
type HeartbeatPayload struct {
	NodeID    string             `json:"node_id"`
	Wallet    string             `json:"wallet_address"`
	Hostname  string             `json:"hostname,omitempty"`
	Resources resources.Snapshot `json:"resources"`
}

// PeerSummary is one entry of a registry gossip message.
type PeerSummary struct {
	NodeID        string `json:"node_id"`
	Wallet        string `json:"wallet_address"`
	PubKey        string `json:"public_key"`
	LastHeartbeat int64  `json:"last_heartbeat"`
	State         string `json:"state"`
}

// PeersPayload gossips a snapshot of the sender's registry.
type PeersPayload struct {
	Peers []PeerSummary `json:"peers"`
}

// NewMessage builds and signs a message from the local identity. The
// timestamp is the current unix time in milliseconds; callers sending at a
// higher rate are responsible for keeping it strictly increasing.
func NewMessage(id *identity.Identity, typ Type, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Type:      typ,
		From:      id.NodeID(),
		Wallet:    id.Wallet(),
		PubKey:    id.PublicKeyHex(),
		Timestamp: time.Now().UnixMilli(),
		Payload:   raw,
	}

	r, s, err := keys.Sign(id.Key(), msg.digest())
	if err != nil {
		return nil, err
	}
	msg.Signature = keys.EncodeSignature(r, s)

	return msg, nil
}

// digest is the SHA256 hash the signature covers: type, sender, timestamp
// and raw payload.
func (m *Message) digest() []byte {
	data := fmt.Sprintf("%s|%s|%d|%s", m.Type, m.From, m.Timestamp, m.Payload)
	return crypto.SHA256([]byte(data))
}

// Verify checks that the embedded public key belongs to the claimed sender,
// and that the signature verifies under it. It returns ErrSignatureInvalid on
// any mismatch.
func (m *Message) Verify() error {
	pubBytes, err := keys.DecodePublicKeyHex(m.PubKey)
	if err != nil {
		return ErrSignatureInvalid
	}

	pub := keys.ToPublicKey(pubBytes)
	if pub == nil {
		return ErrSignatureInvalid
	}

	// The wallet and node ID are derived from the public key; a forged
	// sender cannot produce a matching key.
	wallet := fmt.Sprintf("0x%x", crypto.SHA256(pubBytes))
	if m.Wallet != wallet {
		return ErrSignatureInvalid
	}
	if m.From != fmt.Sprintf("apn_%s", wallet[2:10]) {
		return ErrSignatureInvalid
	}

	r, s, err := keys.DecodeSignature(m.Signature)
	if err != nil {
		return ErrSignatureInvalid
	}

	if !keys.Verify(pub, m.digest(), r, s) {
		return ErrSignatureInvalid
	}

	return nil
}

// Encode marshals the message to its JSON wire form.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals a message from its JSON wire form. It does not verify
// the signature.
func Decode(data []byte) (*Message, error) {
	msg := &Message{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// DecodeAnnounce parses the payload of an announce message.
func (m *Message) DecodeAnnounce() (*AnnouncePayload, error) {
	if m.Type != TypeAnnounce {
		return nil, fmt.Errorf("not an announce message: %s", m.Type)
	}
	p := &AnnouncePayload{}
	if err := json.Unmarshal(m.Payload, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodeHeartbeat parses the payload of a heartbeat message.
func (m *Message) DecodeHeartbeat() (*HeartbeatPayload, error) {
	if m.Type != TypeHeartbeat {
		return nil, fmt.Errorf("not a heartbeat message: %s", m.Type)
	}
	p := &HeartbeatPayload{}
	if err := json.Unmarshal(m.Payload, p); err != nil {
		return nil, err
	}
	return p, nil
}

// DecodePeers parses the payload of a peers gossip message.
func (m *Message) DecodePeers() (*PeersPayload, error) {
	if m.Type != TypePeers {
		return nil, fmt.Errorf("not a peers message: %s", m.Type)
	}
	p := &PeersPayload{}
	if err := json.Unmarshal(m.Payload, p); err != nil {
		return nil, err
	}
	return p, nil
}
