package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiktrue/platform/pkg/hwid"
	"github.com/tiktrue/platform/pkg/license"
)

// License commands
var licenseCmd = &cobra.Command{
	Use:   "license",
	Short: "Manage this node's license",
}

var licenseInstallCmd = &cobra.Command{
	Use:   "install LICENSE_KEY",
	Short: "Install and bind a license key to this machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := offlineService(cmd)
		if err != nil {
			return err
		}
		defer svc.Stop()

		l, err := license.NewFromKey(args[0], time.Now())
		if err != nil {
			return err
		}
		if err := svc.Enforcer.Install(l); err != nil {
			return err
		}

		fmt.Printf("✓ License installed: %s tier, expires %s\n", l.Plan, l.ExpiresAt.Format("2006-01-02"))
		return nil
	},
}

var licenseShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the installed license",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := offlineService(cmd)
		if err != nil {
			return err
		}
		defer svc.Stop()

		l := svc.Enforcer.Current()
		if l == nil {
			fmt.Println("No license installed")
			return nil
		}

		fmt.Printf("Key:      %s\n", l.LicenseKey)
		fmt.Printf("Plan:     %s\n", l.Plan)
		fmt.Printf("Status:   %s\n", l.Status)
		fmt.Printf("Expires:  %s\n", l.ExpiresAt.Format("2006-01-02"))
		if l.MaxClients < 0 {
			fmt.Println("Clients:  unlimited")
		} else {
			fmt.Printf("Clients:  %d\n", l.MaxClients)
		}
		if len(l.AllowedModels) > 0 {
			fmt.Printf("Models:   %v\n", l.AllowedModels)
		} else {
			fmt.Println("Models:   all")
		}
		fmt.Printf("Bound:    %v\n", l.HardwareSignature != "")
		return nil
	},
}

var licenseBackupCmd = &cobra.Command{
	Use:   "backup PATH",
	Short: "Back up the encrypted license blob",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		sig, err := hwid.Fingerprint()
		if err != nil {
			return err
		}
		storage, err := license.NewStorage(dataDir, sig)
		if err != nil {
			return err
		}
		if err := storage.Backup(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ License backed up to %s\n", args[0])
		return nil
	},
}

var licenseRestoreCmd = &cobra.Command{
	Use:   "restore PATH",
	Short: "Restore a license blob backed up on this machine",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		sig, err := hwid.Fingerprint()
		if err != nil {
			return err
		}
		storage, err := license.NewStorage(dataDir, sig)
		if err != nil {
			return err
		}
		l, err := storage.Restore(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ License restored: %s tier\n", l.Plan)
		return nil
	},
}

var licenseFingerprintCmd = &cobra.Command{
	Use:   "fingerprint",
	Short: "Print this machine's hardware fingerprint",
	RunE: func(cmd *cobra.Command, args []string) error {
		sig, err := hwid.Fingerprint()
		if err != nil {
			return err
		}
		fmt.Println(sig)
		return nil
	},
}

func init() {
	licenseCmd.AddCommand(licenseInstallCmd)
	licenseCmd.AddCommand(licenseShowCmd)
	licenseCmd.AddCommand(licenseBackupCmd)
	licenseCmd.AddCommand(licenseRestoreCmd)
	licenseCmd.AddCommand(licenseFingerprintCmd)
}
