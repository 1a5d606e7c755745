// blocktool is the offline model-block maintenance utility: it splits
// and encrypts model files, verifies block integrity against their
// manifest and reassembles plaintext on licensed machines, without
// starting the node service.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tiktrue/platform/pkg/hwid"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/modelcrypto"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "blocktool",
	Short: "Offline TikTrue model block encryption and verification",
}

func init() {
	rootCmd.PersistentFlags().String("key-dir", "./tiktrue-keys", "Encryption key storage directory")
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		log.Init(log.Config{Level: log.Level(level)})
	})

	rootCmd.AddCommand(encryptCmd)
	rootCmd.AddCommand(decryptCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(rotateCmd)
}

func engine(cmd *cobra.Command) (*modelcrypto.Engine, error) {
	keyDir, _ := cmd.Flags().GetString("key-dir")
	sig, err := hwid.Fingerprint()
	if err != nil {
		return nil, err
	}
	return modelcrypto.NewEngine(keyDir, sig)
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt MODEL_ID FILE OUTPUT_DIR",
	Short: "Split a model file into 1 MiB encrypted blocks",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine(cmd)
		if err != nil {
			return err
		}

		modelID, filePath, outputDir := args[0], args[1], args[2]

		hardwareBound, _ := cmd.Flags().GetBool("hardware-bound")
		licenseKey, _ := cmd.Flags().GetString("license-key")

		key, err := e.GenerateKey(modelID, hardwareBound, licenseKey)
		if err != nil {
			return err
		}

		manifest, err := e.EncryptModelFile(modelID, filePath, outputDir, key.KeyID)
		if err != nil {
			return err
		}

		fmt.Printf("✓ Encrypted %d blocks under %s/blocks\n", manifest.TotalBlocks, outputDir)
		fmt.Printf("  Key ID: %s\n", key.KeyID)
		return nil
	},
}

var decryptCmd = &cobra.Command{
	Use:   "decrypt MODEL_ID BLOCKS_DIR OUTPUT_FILE",
	Short: "Verify and reassemble a model file from encrypted blocks",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine(cmd)
		if err != nil {
			return err
		}

		if err := e.DecryptModelFile(args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("✓ Model reassembled at %s\n", args[2])
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify BLOCKS_DIR",
	Short: "Verify every block in a manifest without writing plaintext",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine(cmd)
		if err != nil {
			return err
		}

		manifest, err := modelcrypto.LoadManifest(args[0])
		if err != nil {
			return err
		}

		failed := 0
		for _, entry := range manifest.Blocks {
			block, err := modelcrypto.LoadBlockFromManifest(args[0], entry)
			if err == nil {
				err = e.VerifyBlockIntegrity(block)
			}
			if err != nil {
				failed++
				fmt.Printf("✗ block %04d: %v\n", entry.BlockIndex, err)
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d blocks failed verification", failed, manifest.TotalBlocks)
		}
		fmt.Printf("✓ All %d blocks verified\n", manifest.TotalBlocks)
		return nil
	},
}

var keysCmd = &cobra.Command{
	Use:   "keys [MODEL_ID]",
	Short: "List encryption keys",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine(cmd)
		if err != nil {
			return err
		}

		modelID := ""
		if len(args) == 1 {
			modelID = args[0]
		}

		fmt.Printf("%-40s %-16s %-10s %s\n", "KEY ID", "MODEL", "ROTATED", "EXPIRES")
		for _, key := range e.ListKeys(modelID) {
			fmt.Printf("%-40s %-16s %-10v %s\n",
				key.KeyID, key.Metadata.ModelID, key.Rotated, key.ExpiresAt.Format("2006-01-02"))
		}
		return nil
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate MODEL_ID",
	Short: "Rotate every active key for a model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := engine(cmd)
		if err != nil {
			return err
		}

		mapping, err := e.RotateKeys(args[0], "")
		if err != nil {
			return err
		}

		for oldID, newID := range mapping {
			fmt.Printf("  %s -> %s\n", oldID, newID)
		}
		fmt.Printf("✓ Rotated %d keys\n", len(mapping))
		return nil
	},
}

func init() {
	encryptCmd.Flags().Bool("hardware-bound", false, "Derive the key from the license and this machine")
	encryptCmd.Flags().String("license-key", "", "License key for hardware-bound derivation")
}
