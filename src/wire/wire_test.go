package wire

import (
	"testing"

	"github.com/alpha-protocol/apn-node/src/identity"
	"github.com/alpha-protocol/apn-node/src/resources"
)

func testSnapshot() resources.Snapshot {
	return resources.Snapshot{
		CPUCores:   8,
		RAMMB:      16384,
		StorageGB:  512,
		GPUPresent: false,
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatal(err)
	}

	msg, err := NewMessage(id, TypeHeartbeat, HeartbeatPayload{
		NodeID:    id.NodeID(),
		Wallet:    id.Wallet(),
		Resources: testSnapshot(),
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := msg.Encode()
	if err != nil {
		t.Fatal(err)
	}

	decoded, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}

	if err := decoded.Verify(); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	payload, err := decoded.DecodeHeartbeat()
	if err != nil {
		t.Fatal(err)
	}

	if payload.Resources != testSnapshot() {
		t.Fatalf("Resources do not survive the round trip: %+v", payload.Resources)
	}

	if decoded.From != id.NodeID() {
		t.Fatalf("From %s != %s", decoded.From, id.NodeID())
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	id, _ := identity.Generate()

	msg, err := NewMessage(id, TypeHeartbeat, HeartbeatPayload{
		NodeID:    id.NodeID(),
		Wallet:    id.Wallet(),
		Resources: testSnapshot(),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Inflate the claimed hardware after signing
	tampered := *msg
	tampered.Payload = []byte(`{"node_id":"x","resources":{"gpu_present":true}}`)

	if err := tampered.Verify(); err != ErrSignatureInvalid {
		t.Fatalf("Tampered payload should fail verification, got %v", err)
	}
}

func TestVerifyForgedSender(t *testing.T) {
	alice, _ := identity.Generate()
	mallory, _ := identity.Generate()

	msg, err := NewMessage(mallory, TypeHeartbeat, HeartbeatPayload{
		NodeID:    mallory.NodeID(),
		Wallet:    mallory.Wallet(),
		Resources: testSnapshot(),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Claim to be alice while keeping mallory's key and signature
	msg.From = alice.NodeID()
	msg.Wallet = alice.Wallet()

	if err := msg.Verify(); err != ErrSignatureInvalid {
		t.Fatalf("Forged sender should fail verification, got %v", err)
	}
}

func TestVerifyForgedSignature(t *testing.T) {
	alice, _ := identity.Generate()
	mallory, _ := identity.Generate()

	msg, err := NewMessage(alice, TypeAnnounce, AnnouncePayload{
		NodeID: alice.NodeID(),
		Wallet: alice.Wallet(),
	})
	if err != nil {
		t.Fatal(err)
	}

	// Re-sign with mallory's key, keeping alice's identity fields
	forged, err := NewMessage(mallory, TypeAnnounce, AnnouncePayload{})
	if err != nil {
		t.Fatal(err)
	}
	msg.Signature = forged.Signature

	if err := msg.Verify(); err != ErrSignatureInvalid {
		t.Fatalf("Forged signature should fail verification, got %v", err)
	}
}

func TestDecodeWrongType(t *testing.T) {
	id, _ := identity.Generate()

	msg, err := NewMessage(id, TypeAnnounce, AnnouncePayload{NodeID: id.NodeID()})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := msg.DecodeHeartbeat(); err == nil {
		t.Fatalf("DecodeHeartbeat on an announce should fail")
	}
}
