package license

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"github.com/tiktrue/platform/pkg/types"
)

const (
	blobName        = "license.bin"
	kdfIterations   = 100000
	storageSaltInfo = "tiktrue-license-storage"
)

// Storage keeps the license blob encrypted at rest, bound to this
// machine: the blob key is derived from the hardware fingerprint, so a
// copied file does not decrypt elsewhere.
type Storage struct {
	dir string
	key []byte // 32 bytes, AES-256-GCM
}

// NewStorage creates a license store rooted at dir. hardwareSig is the
// local hardware fingerprint used for key derivation.
func NewStorage(dir, hardwareSig string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create license directory: %w", err)
	}

	salt := sha256.Sum256([]byte(storageSaltInfo))
	key := pbkdf2.Key([]byte(hardwareSig), salt[:], kdfIterations, 32, sha256.New)

	return &Storage{dir: dir, key: key}, nil
}

// Path returns the location of the encrypted blob
func (s *Storage) Path() string {
	return filepath.Join(s.dir, blobName)
}

// Save encrypts and persists the license. The write is atomic: the blob
// is written to a temp file and renamed over the previous one.
func (s *Storage) Save(l *types.License) error {
	plaintext, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("failed to marshal license: %w", err)
	}

	ciphertext, err := s.seal(plaintext)
	if err != nil {
		return err
	}

	tmp := s.Path() + ".tmp"
	if err := os.WriteFile(tmp, ciphertext, 0600); err != nil {
		return fmt.Errorf("failed to write license blob: %w", err)
	}
	if err := os.Rename(tmp, s.Path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace license blob: %w", err)
	}

	return nil
}

// Load reads and decrypts the persisted license. A missing blob returns
// os.ErrNotExist.
func (s *Storage) Load() (*types.License, error) {
	ciphertext, err := os.ReadFile(s.Path())
	if err != nil {
		return nil, err
	}

	plaintext, err := s.open(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt license blob: %w", err)
	}

	var l types.License
	if err := json.Unmarshal(plaintext, &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal license: %w", err)
	}
	return &l, nil
}

// Delete removes the persisted blob
func (s *Storage) Delete() error {
	err := os.Remove(s.Path())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Backup copies the encrypted blob to path. The backup stays encrypted
// and hardware-bound.
func (s *Storage) Backup(path string) error {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		return fmt.Errorf("failed to read license blob: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	return nil
}

// Restore installs a backup blob, verifying that it decrypts on this
// machine before replacing the current one.
func (s *Storage) Restore(path string) (*types.License, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	plaintext, err := s.open(data)
	if err != nil {
		return nil, fmt.Errorf("backup does not decrypt on this hardware: %w", err)
	}

	var l types.License
	if err := json.Unmarshal(plaintext, &l); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup: %w", err)
	}

	if err := os.WriteFile(s.Path()+".tmp", data, 0600); err != nil {
		return nil, fmt.Errorf("failed to stage backup: %w", err)
	}
	if err := os.Rename(s.Path()+".tmp", s.Path()); err != nil {
		return nil, fmt.Errorf("failed to install backup: %w", err)
	}

	return &l, nil
}

func (s *Storage) seal(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Storage) open(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("license blob too short")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
