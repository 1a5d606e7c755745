package modelcrypto

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tiktrue/platform/pkg/errdefs"
)

// BlockSize is the plaintext block size for the file pipeline
const BlockSize = 1 << 20 // 1 MiB

// Manifest indexes the encrypted blocks of one model file
type Manifest struct {
	ModelID           string          `json:"model_id"`
	TotalBlocks       int             `json:"total_blocks"`
	KeyID             string          `json:"key_id"`
	Blocks            []ManifestBlock `json:"blocks"`
	Algorithm         string          `json:"algorithm"`
	ChecksumAlgorithm string          `json:"checksum_algorithm"`
	CreatedAt         time.Time       `json:"created_at"`
}

// ManifestBlock is one manifest entry
type ManifestBlock struct {
	BlockID    string `json:"block_id"`
	BlockIndex int    `json:"block_index"`
	File       string `json:"file"`
	MetaFile   string `json:"meta_file"`
	Size       int    `json:"size"`
}

// blockMeta is the transport form used by EncodeBlock and DecodeBlock:
// the block metadata plus its ciphertext as base64, so one block
// travels as a single JSON document. Sidecar .meta files hold the
// metadata only.
type blockMeta struct {
	EncryptedBlock
	CiphertextB64 string `json:"ciphertext_b64,omitempty"`
}

// EncryptModelFile splits a plaintext file into 1 MiB blocks, encrypts
// each under one session key and writes blocks/block_NNNN.enc +
// block_NNNN.meta + manifest.json under outputDir.
func (e *Engine) EncryptModelFile(modelID, filePath, outputDir, keyID string) (*Manifest, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open model file: %w", err)
	}
	defer f.Close()

	blocksDir := filepath.Join(outputDir, "blocks")
	if err := os.MkdirAll(blocksDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create blocks directory: %w", err)
	}

	manifest := &Manifest{
		ModelID:           modelID,
		KeyID:             keyID,
		Algorithm:         "AES-256-GCM",
		ChecksumAlgorithm: "sha256",
		CreatedAt:         time.Now().UTC(),
	}

	buf := make([]byte, BlockSize)
	for index := 0; ; index++ {
		n, err := io.ReadFull(f, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("failed to read model file: %w", err)
		}

		block, encErr := e.EncryptBlock(modelID, index, buf[:n], keyID)
		if encErr != nil {
			return nil, encErr
		}

		encName := fmt.Sprintf("block_%04d.enc", index)
		metaName := fmt.Sprintf("block_%04d.meta", index)

		if err := os.WriteFile(filepath.Join(blocksDir, encName), block.Ciphertext, 0600); err != nil {
			return nil, fmt.Errorf("failed to write block ciphertext: %w", err)
		}

		meta, merr := json.MarshalIndent(block, "", "  ")
		if merr != nil {
			return nil, fmt.Errorf("failed to marshal block metadata: %w", merr)
		}
		if err := os.WriteFile(filepath.Join(blocksDir, metaName), meta, 0600); err != nil {
			return nil, fmt.Errorf("failed to write block metadata: %w", err)
		}

		manifest.Blocks = append(manifest.Blocks, ManifestBlock{
			BlockID:    block.BlockID,
			BlockIndex: index,
			File:       filepath.Join("blocks", encName),
			MetaFile:   filepath.Join("blocks", metaName),
			Size:       block.EncryptedSize,
		})

		if err == io.ErrUnexpectedEOF {
			break
		}
	}

	manifest.TotalBlocks = len(manifest.Blocks)

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(blocksDir, "manifest.json"), data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}

	e.logger.Info().
		Str("model_id", modelID).
		Int("total_blocks", manifest.TotalBlocks).
		Msg("Encrypted model file")
	return manifest, nil
}

// DecryptModelFile reads the manifest under blocksDir, verifies each
// block before decrypting and streams the plaintext to outputPath in
// index order.
func (e *Engine) DecryptModelFile(modelID, blocksDir, outputPath string) error {
	data, err := os.ReadFile(filepath.Join(blocksDir, "manifest.json"))
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("failed to parse manifest: %w", err)
	}
	if manifest.ModelID != modelID {
		return errdefs.Wrapf(errdefs.ErrManifestModelMismatch,
			"manifest is for %s, expected %s", manifest.ModelID, modelID)
	}

	blocks := append([]ManifestBlock(nil), manifest.Blocks...)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].BlockIndex < blocks[j].BlockIndex })

	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer out.Close()

	base := filepath.Dir(blocksDir)
	for _, entry := range blocks {
		block, err := loadBlock(base, entry)
		if err != nil {
			return err
		}

		// Integrity first: a corrupt block must be detected before its
		// plaintext is written anywhere.
		if err := e.VerifyBlockIntegrity(block); err != nil {
			return err
		}

		plaintext, err := e.DecryptBlock(block)
		if err != nil {
			return err
		}

		if _, err := out.Write(plaintext); err != nil {
			return fmt.Errorf("failed to write plaintext: %w", err)
		}
	}

	e.logger.Info().
		Str("model_id", modelID).
		Int("total_blocks", len(blocks)).
		Str("output", outputPath).
		Msg("Decrypted model file")
	return nil
}

// LoadManifest reads and parses a manifest from a blocks directory
func LoadManifest(blocksDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(blocksDir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return &manifest, nil
}

// LoadBlockFromManifest reads one block (sidecar metadata plus
// ciphertext) referenced by a manifest entry under blocksDir.
func LoadBlockFromManifest(blocksDir string, entry ManifestBlock) (*EncryptedBlock, error) {
	return loadBlock(filepath.Dir(blocksDir), entry)
}

func loadBlock(baseDir string, entry ManifestBlock) (*EncryptedBlock, error) {
	metaData, err := os.ReadFile(filepath.Join(baseDir, entry.MetaFile))
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrBlockMissing, "block %d metadata: %v", entry.BlockIndex, err)
	}

	var block EncryptedBlock
	if err := json.Unmarshal(metaData, &block); err != nil {
		return nil, fmt.Errorf("failed to parse block metadata: %w", err)
	}

	ciphertext, err := os.ReadFile(filepath.Join(baseDir, entry.File))
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ErrBlockMissing, "block %d ciphertext: %v", entry.BlockIndex, err)
	}
	block.Ciphertext = ciphertext

	return &block, nil
}

// EncodeBlock serializes a block (metadata + ciphertext) for transport
func EncodeBlock(block *EncryptedBlock) ([]byte, error) {
	wire := blockMeta{
		EncryptedBlock: *block,
		CiphertextB64:  base64.StdEncoding.EncodeToString(block.Ciphertext),
	}
	return json.Marshal(wire)
}

// DecodeBlock parses a block serialized with EncodeBlock
func DecodeBlock(data []byte) (*EncryptedBlock, error) {
	var wire blockMeta
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("failed to parse block: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(wire.CiphertextB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ciphertext: %w", err)
	}
	block := wire.EncryptedBlock
	block.Ciphertext = ciphertext
	return &block, nil
}
