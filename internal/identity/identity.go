// Package identity persists the node's 8-character identifier and
// display name across restarts, grounded on the teacher's
// node.NewNode/DeriveNodeID pattern: generate a keypair on first run,
// derive a stable id from it, and keep both on disk under the node's
// home directory.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/sha3"

	"meshwire/internal/meshwireerr"
)

const fileName = "identity.json"

// Identity is the node's persisted self-description.
type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	PubKey      []byte `json:"pub_key"`
	PrivKey     []byte `json:"priv_key"`
}

type onDisk struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	PubKeyHex   string `json:"pub_key_hex"`
	PrivKeyHex  string `json:"priv_key_hex"`
}

// Load reads the identity from home, generating and persisting a fresh
// one (via GenKeypair + DeriveID) if none exists yet. Any I/O failure
// that is not "file does not exist" is fatal, per spec §7
// (IdentityUnavailable bubbles to the caller of initialize()).
func Load(home, fallbackDisplayName string) (*Identity, error) {
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir home: %v", meshwireerr.ErrIdentityUnavailable, err)
	}
	path := filepath.Join(home, fileName)
	data, err := os.ReadFile(path)
	if err == nil {
		var d onDisk
		if jsonErr := json.Unmarshal(data, &d); jsonErr != nil {
			return nil, fmt.Errorf("%w: decode identity: %v", meshwireerr.ErrIdentityUnavailable, jsonErr)
		}
		kp, kpErr := decodeHexPair(d.PubKeyHex, d.PrivKeyHex)
		if kpErr != nil {
			return nil, fmt.Errorf("%w: decode keys: %v", meshwireerr.ErrIdentityUnavailable, kpErr)
		}
		return &Identity{ID: d.ID, DisplayName: d.DisplayName, PubKey: kp.pub, PrivKey: kp.priv}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: read identity: %v", meshwireerr.ErrIdentityUnavailable, err)
	}

	pub, priv, genErr := GenKeypair()
	if genErr != nil {
		return nil, fmt.Errorf("%w: generate keypair: %v", meshwireerr.ErrIdentityUnavailable, genErr)
	}
	id := DeriveID(pub)
	name := fallbackDisplayName
	if strings.TrimSpace(name) == "" {
		name = "MeshUser-" + id[:4]
	}
	ident := &Identity{ID: id, DisplayName: name, PubKey: pub, PrivKey: priv}
	if err := save(path, ident); err != nil {
		return nil, fmt.Errorf("%w: persist identity: %v", meshwireerr.ErrIdentityUnavailable, err)
	}
	return ident, nil
}

// SetDisplayName updates and persists the display name.
func (id *Identity) SetDisplayName(home, name string) error {
	id.DisplayName = name
	return save(filepath.Join(home, fileName), id)
}

func save(path string, id *Identity) error {
	d := onDisk{
		ID:          id.ID,
		DisplayName: id.DisplayName,
		PubKeyHex:   hexEncode(id.PubKey),
		PrivKeyHex:  hexEncode(id.PrivKey),
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// GenKeypair creates a fresh Ed25519 keypair used only to derive a
// stable node id; the mesh does not use it for message authentication
// (payload authentication is an explicit non-goal).
func GenKeypair() (pub, priv []byte, err error) {
	pk, sk, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return []byte(pk), []byte(sk), nil
}

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DeriveID hashes pub and maps the first 8 digest bytes onto the
// 36-symbol uppercase-alphanumeric alphabet, producing a stable
// 8-character identifier.
func DeriveID(pub []byte) string {
	sum := sha3.Sum256(append([]byte("meshwire:nodeid:v1"), pub...))
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = idAlphabet[int(sum[i])%len(idAlphabet)]
	}
	return string(out)
}

type keyPair struct {
	pub  []byte
	priv []byte
}

func decodeHexPair(pubHex, privHex string) (keyPair, error) {
	pub, err := hex.DecodeString(pubHex)
	if err != nil {
		return keyPair{}, err
	}
	priv, err := hex.DecodeString(privHex)
	if err != nil {
		return keyPair{}, err
	}
	return keyPair{pub: pub, priv: priv}, nil
}

func hexEncode(b []byte) string { return hex.EncodeToString(b) }
