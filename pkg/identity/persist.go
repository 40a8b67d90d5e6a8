package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/x3haloed/realm/pkg/security"
)

// NodeFiles groups identity's three flat files (spec section 6's on-disk
// layout table) under the node's data directory.
type NodeFiles struct {
	OwnerPub string // identity/owner.pub
	NodeKey  string // identity/node.key
	NodePeer string // identity/node.peer
}

// PathsUnder resolves the identity file set rooted at dataDir.
func PathsUnder(dataDir string) NodeFiles {
	dir := filepath.Join(dataDir, "identity")
	return NodeFiles{
		OwnerPub: filepath.Join(dir, "owner.pub"),
		NodeKey:  filepath.Join(dir, "node.key"),
		NodePeer: filepath.Join(dir, "node.peer"),
	}
}

// LoadOrCreateNode loads this agent's own signing keypair from
// identity/node.key (decrypting with box), generating and persisting a new
// one on first run. node.peer is written alongside a newly generated key;
// loading an existing key leaves it untouched.
func LoadOrCreateNode(dataDir string, box *security.KeyBox) (KeyPair, error) {
	files := PathsUnder(dataDir)
	if err := os.MkdirAll(filepath.Dir(files.NodeKey), 0700); err != nil {
		return KeyPair{}, fmt.Errorf("identity: create identity dir: %w", err)
	}

	sealed, err := os.ReadFile(files.NodeKey)
	switch {
	case os.IsNotExist(err):
		kp, err := GenerateKeyPair()
		if err != nil {
			return KeyPair{}, err
		}
		if err := persistNode(files, box, kp); err != nil {
			return KeyPair{}, err
		}
		return kp, nil
	case err != nil:
		return KeyPair{}, fmt.Errorf("identity: read node.key: %w", err)
	}

	raw, err := box.Decrypt(sealed)
	if err != nil {
		return KeyPair{}, fmt.Errorf("identity: decrypt node.key: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return KeyPair{}, fmt.Errorf("identity: node.key has unexpected length %d", len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	return KeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

func persistNode(files NodeFiles, box *security.KeyBox, kp KeyPair) error {
	sealed, err := box.Encrypt(kp.Private)
	if err != nil {
		return fmt.Errorf("identity: encrypt node.key: %w", err)
	}
	if err := writeAtomic(files.NodeKey, sealed, 0600); err != nil {
		return err
	}
	return writeAtomic(files.NodePeer, []byte(kp.PublicHex()), 0644)
}

// LoadOwnerPub reads the pinned owner public key from identity/owner.pub, if
// present. An absent file means no owner has been pinned yet.
func LoadOwnerPub(dataDir string) (ed25519.PublicKey, error) {
	files := PathsUnder(dataDir)
	data, err := os.ReadFile(files.OwnerPub)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: read owner.pub: %w", err)
	}
	pub, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("identity: decode owner.pub: %w", err)
	}
	return ed25519.PublicKey(pub), nil
}

// PersistOwnerPub writes the pinned owner public key, atomically. Called
// exactly once by the trust root's owning task on first TOFU pin (spec
// section 4.1).
func PersistOwnerPub(dataDir string, pub ed25519.PublicKey) error {
	files := PathsUnder(dataDir)
	return writeAtomic(files.OwnerPub, []byte(hex.EncodeToString(pub)), 0644)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("identity: write temp %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("identity: rename temp %s: %w", path, err)
	}
	return nil
}
