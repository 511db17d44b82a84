package identity

import (
	"io/ioutil"
	"os"
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	if len(strings.Fields(id.Mnemonic())) != 12 {
		t.Fatalf("Mnemonic should have 12 words, got %q", id.Mnemonic())
	}

	wallet := id.Wallet()
	if !strings.HasPrefix(wallet, "0x") || len(wallet) != 66 {
		t.Fatalf("Bad wallet address %q", wallet)
	}

	if id.NodeID() != "apn_"+wallet[2:10] {
		t.Fatalf("Node ID %q does not match wallet %q", id.NodeID(), wallet)
	}
}

func TestFromMnemonicRoundTrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	recovered, err := FromMnemonic(id.Mnemonic())
	if err != nil {
		t.Fatal(err)
	}

	if recovered.Wallet() != id.Wallet() {
		t.Fatalf("Recovered wallet %s != %s", recovered.Wallet(), id.Wallet())
	}
	if recovered.NodeID() != id.NodeID() {
		t.Fatalf("Recovered node ID %s != %s", recovered.NodeID(), id.NodeID())
	}
	if recovered.Key().D.Cmp(id.Key().D) != 0 {
		t.Fatalf("Recovered key differs")
	}
}

func TestFromMnemonicInvalid(t *testing.T) {
	invalid := []string{
		"",
		"not a mnemonic",
		"abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon",
	}

	for _, m := range invalid {
		if _, err := FromMnemonic(m); err != ErrInvalidMnemonic {
			t.Fatalf("%q: expected ErrInvalidMnemonic, got %v", m, err)
		}
	}
}

func TestKeystore(t *testing.T) {
	dir, err := ioutil.TempDir("", "apn")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	keystore := NewKeystore(dir)

	id, generated, err := keystore.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	if !generated {
		t.Fatalf("First LoadOrCreate should generate")
	}
	if id.Mnemonic() == "" {
		t.Fatalf("Generated identity should carry its mnemonic")
	}

	// Second load returns the same identity, without the mnemonic
	loaded, generated, err := keystore.LoadOrCreate()
	if err != nil {
		t.Fatal(err)
	}
	if generated {
		t.Fatalf("Second LoadOrCreate should load")
	}
	if loaded.Wallet() != id.Wallet() {
		t.Fatalf("Loaded wallet %s != %s", loaded.Wallet(), id.Wallet())
	}
	if loaded.Mnemonic() != "" {
		t.Fatalf("Keystore should not persist the mnemonic")
	}

	// The keystore refuses to overwrite
	if err := keystore.Save(id); err == nil {
		t.Fatalf("Save over an existing key should fail")
	}
}
