// Package modelcrypto implements model block encryption and key
// distribution: AES-256-GCM block crypto, hardware-bound key
// derivation, an RSA-2048 node identity and OAEP key exchange with
// PSS-signed requests.
package modelcrypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/pbkdf2"

	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/log"
)

const (
	// KeySize is the AES-256 key length in bytes
	KeySize = 32

	// NonceSize is the GCM nonce length in bytes
	NonceSize = 12

	// TagSize is the GCM authentication tag length in bytes
	TagSize = 16

	// keyLifetime is the advisory expiry stamped on new keys
	keyLifetime = 30 * 24 * time.Hour

	kdfIterations = 100000
	rsaKeyBits    = 2048
)

// KeyMetadata describes how a key came to be
type KeyMetadata struct {
	ModelID       string `json:"model_id"`
	HardwareBound bool   `json:"hardware_bound"`
	Source        string `json:"source"` // "random" or "derived"
}

// EncryptionKey is an AES-256-GCM key plus provenance
type EncryptionKey struct {
	KeyID        string      `json:"key_id"`
	Algorithm    string      `json:"algorithm"`
	KeyData      []byte      `json:"key_data"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
	Metadata     KeyMetadata `json:"metadata"`
	Rotated      bool        `json:"rotated,omitempty"`
	RotatedTo    string      `json:"rotated_to,omitempty"`
	RotationDate time.Time   `json:"rotation_date,omitempty"`
}

// Engine owns the node's key material: AES session keys per model and
// the RSA identity pair. Keys persist under the storage dir.
type Engine struct {
	storageDir  string
	hardwareSig string
	logger      zerolog.Logger

	mu         sync.Mutex
	keys       map[string]*EncryptionKey
	privateKey *rsa.PrivateKey
}

// NewEngine creates the crypto engine rooted at storageDir. The RSA
// identity pair is created on first use and persisted; existing keys
// are loaded from disk.
func NewEngine(storageDir, hardwareSig string) (*Engine, error) {
	if err := os.MkdirAll(filepath.Join(storageDir, "keys"), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}

	e := &Engine{
		storageDir:  storageDir,
		hardwareSig: hardwareSig,
		logger:      log.WithComponent("modelcrypto"),
		keys:        make(map[string]*EncryptionKey),
	}

	if err := e.initRSAKeys(); err != nil {
		return nil, err
	}
	if err := e.loadKeys(); err != nil {
		return nil, err
	}

	return e, nil
}

// GenerateKey creates an AES-256 key for a model. hardwareBound keys
// are derived with PBKDF2-HMAC-SHA256 from the license key, salted with
// the hardware fingerprint, so the same license on the same machine
// re-derives identical bytes.
func (e *Engine) GenerateKey(modelID string, hardwareBound bool, licenseKey string) (*EncryptionKey, error) {
	var keyData []byte
	source := "random"

	if hardwareBound {
		if licenseKey == "" {
			return nil, fmt.Errorf("hardware-bound key requires a license key")
		}
		salt := sha256.Sum256([]byte(e.hardwareSig))
		keyData = pbkdf2.Key([]byte(licenseKey), salt[:], kdfIterations, KeySize, sha256.New)
		source = "derived"
	} else {
		keyData = make([]byte, KeySize)
		if _, err := io.ReadFull(rand.Reader, keyData); err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
	}

	now := time.Now().UTC()
	key := &EncryptionKey{
		KeyID:     fmt.Sprintf("key_%s_%s", modelID, uuid.New().String()[:8]),
		Algorithm: "AES-256-GCM",
		KeyData:   keyData,
		CreatedAt: now,
		ExpiresAt: now.Add(keyLifetime),
		Metadata: KeyMetadata{
			ModelID:       modelID,
			HardwareBound: hardwareBound,
			Source:        source,
		},
	}

	e.mu.Lock()
	e.keys[key.KeyID] = key
	e.mu.Unlock()

	if err := e.storeKey(key); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("key_id", key.KeyID).
		Str("model_id", modelID).
		Bool("hardware_bound", hardwareBound).
		Msg("Generated encryption key")
	return key, nil
}

// GetKey looks up a key by id
func (e *Engine) GetKey(keyID string) (*EncryptionKey, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key, ok := e.keys[keyID]
	if !ok {
		return nil, errdefs.Wrapf(errdefs.ErrKeyNotFound, "key %s", keyID)
	}
	return key, nil
}

// ListKeys returns keys, optionally filtered by model id
func (e *Engine) ListKeys(modelID string) []*EncryptionKey {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*EncryptionKey
	for _, key := range e.keys {
		if modelID == "" || key.Metadata.ModelID == modelID {
			out = append(out, key)
		}
	}
	return out
}

// DeleteKey removes a key from memory and disk
func (e *Engine) DeleteKey(keyID string) error {
	e.mu.Lock()
	_, ok := e.keys[keyID]
	delete(e.keys, keyID)
	e.mu.Unlock()

	if !ok {
		return errdefs.Wrapf(errdefs.ErrKeyNotFound, "key %s", keyID)
	}

	path := e.keyPath(keyID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove key file: %w", err)
	}
	return nil
}

// ImportKey installs key bytes received via key exchange under keyID
func (e *Engine) ImportKey(keyID, modelID string, keyData []byte) (*EncryptionKey, error) {
	if len(keyData) != KeySize {
		return nil, fmt.Errorf("imported key must be %d bytes, got %d", KeySize, len(keyData))
	}

	now := time.Now().UTC()
	key := &EncryptionKey{
		KeyID:     keyID,
		Algorithm: "AES-256-GCM",
		KeyData:   keyData,
		CreatedAt: now,
		ExpiresAt: now.Add(keyLifetime),
		Metadata: KeyMetadata{
			ModelID: modelID,
			Source:  "exchange",
		},
	}

	e.mu.Lock()
	e.keys[key.KeyID] = key
	e.mu.Unlock()

	if err := e.storeKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// PublicKeyPEM returns the node's RSA public key in PEM form
func (e *Engine) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&e.privateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

func (e *Engine) keyPath(keyID string) string {
	// Key ids embed uuids and model ids; flatten path separators.
	safe := strings.ReplaceAll(keyID, string(os.PathSeparator), "_")
	return filepath.Join(e.storageDir, "keys", safe+".json")
}

func (e *Engine) storeKey(key *EncryptionKey) error {
	data, err := json.MarshalIndent(key, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal key: %w", err)
	}
	if err := os.WriteFile(e.keyPath(key.KeyID), data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

func (e *Engine) loadKeys() error {
	entries, err := os.ReadDir(filepath.Join(e.storageDir, "keys"))
	if err != nil {
		return fmt.Errorf("failed to read key directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.storageDir, "keys", entry.Name()))
		if err != nil {
			e.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to read key file")
			continue
		}
		var key EncryptionKey
		if err := json.Unmarshal(data, &key); err != nil {
			e.logger.Warn().Err(err).Str("file", entry.Name()).Msg("Failed to parse key file")
			continue
		}
		e.keys[key.KeyID] = &key
	}
	return nil
}

// initRSAKeys loads the persisted identity pair or creates one
func (e *Engine) initRSAKeys() error {
	privPath := filepath.Join(e.storageDir, "node_rsa.pem")

	data, err := os.ReadFile(privPath)
	if err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return fmt.Errorf("failed to decode RSA private key PEM")
		}
		priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return fmt.Errorf("failed to parse RSA private key: %w", err)
		}
		e.privateKey = priv
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("failed to read RSA private key: %w", err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return fmt.Errorf("failed to generate RSA key pair: %w", err)
	}
	e.privateKey = priv

	pemData := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	})
	if err := os.WriteFile(privPath, pemData, 0600); err != nil {
		return fmt.Errorf("failed to persist RSA private key: %w", err)
	}

	e.logger.Info().Msg("Generated RSA node identity")
	return nil
}
