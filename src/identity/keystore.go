package identity

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/alpha-protocol/apn-node/src/crypto/keys"
)

// DefaultKeyfile is the name of the file containing the node's private key
// inside the data directory.
const DefaultKeyfile = "priv_key"

// Keystore persists an identity's private key under a data directory. Only
// the key is stored; the recovery phrase never touches disk.
type Keystore struct {
	dataDir string
}

// NewKeystore instantiates a Keystore rooted at dataDir.
func NewKeystore(dataDir string) *Keystore {
	return &Keystore{dataDir: dataDir}
}

// Keyfile returns the full path of the file containing the private key.
func (k *Keystore) Keyfile() string {
	return filepath.Join(k.dataDir, DefaultKeyfile)
}

// Load reads the private key from the keyfile and rebuilds the identity.
func (k *Keystore) Load() (*Identity, error) {
	key, err := keys.NewSimpleKeyfile(k.Keyfile()).ReadKey()
	if err != nil {
		return nil, err
	}
	return FromKey(key), nil
}

// Save writes the identity's private key to the keyfile. It refuses to
// overwrite an existing key.
func (k *Keystore) Save(id *Identity) error {
	if _, err := os.Stat(k.Keyfile()); err == nil {
		return fmt.Errorf("another key already lives under %s", k.dataDir)
	}
	return keys.NewSimpleKeyfile(k.Keyfile()).WriteKey(id.Key())
}

// LoadOrCreate loads the identity from the keystore, generating and
// persisting a fresh one if no keyfile exists. The second return value is
// true when a new identity was generated; the caller is responsible for
// surfacing the mnemonic to the operator exactly once.
func (k *Keystore) LoadOrCreate() (*Identity, bool, error) {
	id, err := k.Load()
	if err == nil {
		return id, false, nil
	}

	id, err = Generate()
	if err != nil {
		return nil, false, err
	}

	if err := k.Save(id); err != nil {
		return nil, false, err
	}

	return id, true, nil
}
