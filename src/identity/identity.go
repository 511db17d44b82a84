// Package identity implements APN node identities: a secp256k1 key-pair
// derived from a BIP39 recovery phrase, the wallet address derived from the
// public key, and the short node identifier derived from the wallet address.
//
// The recovery phrase is surfaced exactly once, when the identity is
// generated. It is never persisted by the keystore; losing it means losing
// control of the node's wallet.
package identity

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	bip39 "github.com/tyler-smith/go-bip39"

	"github.com/alpha-protocol/apn-node/src/crypto"
	"github.com/alpha-protocol/apn-node/src/crypto/keys"
)

// ErrInvalidMnemonic is returned when importing an identity from a malformed
// recovery phrase.
var ErrInvalidMnemonic = errors.New("invalid mnemonic phrase")

// entropyBits is the mnemonic entropy size. 128 bits yields 12 words.
const entropyBits = 128

// Identity is a node's key-pair together with its derived identifiers. It is
// immutable for the lifetime of the node.
type Identity struct {
	key      *ecdsa.PrivateKey
	mnemonic string
	wallet   string
	nodeID   string
}

// Generate creates a new random identity with a 12-word recovery phrase.
func Generate() (*Identity, error) {
	entropy, err := bip39.NewEntropy(entropyBits)
	if err != nil {
		return nil, err
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}

	return fromMnemonic(mnemonic)
}

// FromMnemonic deterministically recovers an identity from a recovery phrase.
// It returns ErrInvalidMnemonic if the phrase is not a valid BIP39 mnemonic.
func FromMnemonic(mnemonic string) (*Identity, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return fromMnemonic(mnemonic)
}

func fromMnemonic(mnemonic string) (*Identity, error) {
	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, ErrInvalidMnemonic
	}

	key, err := keys.DeriveECDSAKey(seed)
	if err != nil {
		return nil, err
	}

	res := &Identity{
		key:      key,
		mnemonic: mnemonic,
	}
	res.computeIdentifiers()

	return res, nil
}

// FromKey wraps an existing private key, as loaded from a keystore file. The
// recovery phrase is not recoverable from the key, so Mnemonic() returns "".
func FromKey(key *ecdsa.PrivateKey) *Identity {
	res := &Identity{key: key}
	res.computeIdentifiers()
	return res
}

// computeIdentifiers derives the wallet address and node ID from the public
// key. The wallet address is 0x followed by the 64 hex chars of
// SHA256(pubkey); the node ID is apn_ followed by the first 8 hex chars of
// the address.
func (i *Identity) computeIdentifiers() {
	pub := keys.FromPublicKey(&i.key.PublicKey)
	hash := crypto.SHA256(pub)
	i.wallet = fmt.Sprintf("0x%x", hash)
	i.nodeID = fmt.Sprintf("apn_%s", i.wallet[2:10])
}

// Key returns the underlying private key.
func (i *Identity) Key() *ecdsa.PrivateKey {
	return i.key
}

// PublicKeyHex returns the hex representation of the uncompressed public key.
func (i *Identity) PublicKeyHex() string {
	return keys.PublicKeyHex(&i.key.PublicKey)
}

// Wallet returns the payout wallet address derived from the public key.
func (i *Identity) Wallet() string {
	return i.wallet
}

// NodeID returns the short node identifier.
func (i *Identity) NodeID() string {
	return i.nodeID
}

// Mnemonic returns the recovery phrase. It is empty when the identity was
// loaded from a keyfile rather than generated or imported.
func (i *Identity) Mnemonic() string {
	return i.mnemonic
}

// Sign signs the SHA256 digest of data.
func (i *Identity) Sign(data []byte) (r, s *big.Int, err error) {
	return keys.Sign(i.key, crypto.SHA256(data))
}
