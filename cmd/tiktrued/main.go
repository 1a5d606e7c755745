package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tiktrue/platform/pkg/failover"
	"github.com/tiktrue/platform/pkg/health"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/metrics"
	"github.com/tiktrue/platform/pkg/service"
	"github.com/tiktrue/platform/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tiktrued",
	Short: "TikTrue - distributed LLM serving control plane",
	Long: `TikTrue runs the control plane of a distributed LLM serving
platform: an admin node manages networks of workers that host encrypted
model blocks, gated end to end by tier licensing.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"TikTrue version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	// Global flags
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Node config file (YAML)")
	rootCmd.PersistentFlags().String("data-dir", defaultDataDir(), "Data directory")
	rootCmd.PersistentFlags().String("node-id", hostnameID(), "Node identifier")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(licenseCmd)
	rootCmd.AddCommand(networkCmd)
	rootCmd.AddCommand(doctorCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./tiktrue-data"
	}
	return home + "/.tiktrue"
}

func hostnameID() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "tiktrue-node"
	}
	return hostname
}

// loadConfig merges the optional YAML config file with flags
func loadConfig(cmd *cobra.Command) (service.Config, error) {
	cfg := service.Config{}

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if cfg.NodeID == "" {
		cfg.NodeID, _ = cmd.Flags().GetString("node-id")
	}
	if cfg.DataDir == "" {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cfg.Address == "" {
		cfg.Address = "0.0.0.0"
	}

	return cfg, nil
}

// Node commands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run and inspect this node",
}

var nodeStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the multi-network service",
	Long: `Start the node: license enforcement, discovery, the join server,
health monitoring, config sync and the resource collector. Runs until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		fmt.Println("Starting TikTrue node...")
		fmt.Printf("  Node ID: %s\n", cfg.NodeID)
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
		fmt.Println()

		svc, err := service.New(cfg)
		if err != nil {
			return fmt.Errorf("failed to build service: %v", err)
		}
		if err := svc.Start(); err != nil {
			return fmt.Errorf("failed to start service: %v", err)
		}
		fmt.Println("✓ Multi-network service started")

		if l := svc.Enforcer.Current(); l != nil {
			fmt.Printf("✓ License: %s (expires %s)\n", l.Plan, l.ExpiresAt.Format("2006-01-02"))
		} else {
			fmt.Println("! No license installed - running with FREE tier limits")
		}

		// Metrics + health endpoints
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		go func() {
			http.Handle("/metrics", metrics.Handler())
			http.Handle("/health", health.Handler(func() string {
				if svc.Failover.DegradationLevelNow() == failover.DegradationMaintenanceMode {
					return "stopped"
				}
				return "running"
			}))
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				fmt.Printf("Metrics server error: %v\n", err)
			}
		}()
		fmt.Printf("✓ Metrics endpoint: http://%s/metrics\n", metricsAddr)
		fmt.Printf("✓ Health endpoint:  ws://%s/health\n", metricsAddr)

		// Wait for shutdown signal
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		svc.Stop()
		fmt.Println("✓ Node stopped")
		return nil
	},
}

var nodeStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a snapshot of this node's state",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := offlineService(cmd)
		if err != nil {
			return err
		}
		defer svc.Stop()

		snap := svc.Dashboard()
		fmt.Printf("Node:   %s (tier %s)\n", snap.NodeID, snap.Tier)
		fmt.Printf("Mode:   %s\n", snap.DegradationMode)
		fmt.Printf("Health: %s\n", snap.Health.Overall)
		fmt.Println()

		fmt.Printf("Managed networks (%d):\n", len(snap.Managed))
		for _, n := range snap.Managed {
			fmt.Printf("  %s  %-20s %s  clients %d", n.NetworkID[:8], n.NetworkName, n.Status, n.CurrentClients)
			if n.MaxClients >= 0 {
				fmt.Printf("/%d", n.MaxClients)
			}
			fmt.Println()
		}

		fmt.Printf("Joined networks (%d):\n", len(snap.Joined))
		for _, c := range snap.Joined {
			fmt.Printf("  %s  %-20s model %s\n", c.NetworkID[:8], c.NetworkName, c.ModelID)
		}

		fmt.Println("\nQuotas:")
		for name, q := range snap.QuotaUsage {
			if q.MaxCount < 0 {
				fmt.Printf("  %-10s %d (unlimited)\n", name, q.CurrentCount)
			} else {
				fmt.Printf("  %-10s %d/%d\n", name, q.CurrentCount, q.MaxCount)
			}
		}
		return nil
	},
}

func init() {
	nodeStartCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics listen address")
	nodeCmd.AddCommand(nodeStartCmd)
	nodeCmd.AddCommand(nodeStatusCmd)
}

// offlineService builds the component graph without opening sockets,
// for one-shot inspection commands.
func offlineService(cmd *cobra.Command) (*service.Service, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	cfg.DisableNetworking = true
	return service.New(cfg)
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run the node self-check",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := offlineService(cmd)
		if err != nil {
			return err
		}
		defer svc.Stop()

		failed := 0
		for _, result := range svc.Doctor() {
			mark := "✓"
			if !result.OK {
				mark = "✗"
				failed++
			}
			if result.Detail != "" {
				fmt.Printf("%s %-12s %s\n", mark, result.Subsystem, result.Detail)
			} else {
				fmt.Printf("%s %s\n", mark, result.Subsystem)
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d subsystem checks failed", failed)
		}
		return nil
	},
}

// Network commands
var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "Manage serving networks",
}

var networkCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a network this node administers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := offlineService(cmd)
		if err != nil {
			return err
		}
		defer svc.Stop()

		networkType, _ := cmd.Flags().GetString("type")
		modelID, _ := cmd.Flags().GetString("model")
		maxClients, _ := cmd.Flags().GetInt("max-clients")
		priority, _ := cmd.Flags().GetInt("priority")

		network, err := svc.CreateNetwork(args[0], types.NetworkType(networkType), modelID, maxClients, priority)
		if err != nil {
			return err
		}

		fmt.Printf("✓ Network created: %s\n", network.NetworkID)
		fmt.Printf("  Name: %s\n", network.NetworkName)
		fmt.Printf("  Model: %s\n", network.ModelID)
		fmt.Printf("  Required tier: %s\n", network.RequiredTier)
		return nil
	},
}

var networkListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List managed and joined networks",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := offlineService(cmd)
		if err != nil {
			return err
		}
		defer svc.Stop()

		managed := svc.Networks.ManagedNetworks()
		fmt.Printf("%-36s %-20s %-10s %-10s %s\n", "ID", "NAME", "TYPE", "STATUS", "CLIENTS")
		for _, n := range managed {
			clients := fmt.Sprintf("%d", n.CurrentClients)
			if n.MaxClients >= 0 {
				clients = fmt.Sprintf("%d/%d", n.CurrentClients, n.MaxClients)
			}
			fmt.Printf("%-36s %-20s %-10s %-10s %s\n", n.NetworkID, n.NetworkName, n.NetworkType, n.Status, clients)
		}
		return nil
	},
}

var networkPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending join requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := offlineService(cmd)
		if err != nil {
			return err
		}
		defer svc.Stop()

		requests := svc.Networks.PendingRequests()
		if len(requests) == 0 {
			fmt.Println("No pending join requests")
			return nil
		}
		for _, r := range requests {
			fmt.Printf("%s  node %s (tier %s) -> network %s, requested %s\n",
				r.RequestID, r.NodeID, r.LicenseTier, r.NetworkID,
				r.RequestedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var networkDeleteCmd = &cobra.Command{
	Use:   "rm NETWORK_ID",
	Short: "Delete a managed network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := offlineService(cmd)
		if err != nil {
			return err
		}
		defer svc.Stop()

		if err := svc.DeleteNetwork(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Network %s deleted\n", args[0])
		return nil
	},
}

func init() {
	networkCreateCmd.Flags().String("type", "public", "Network type (public, private, enterprise)")
	networkCreateCmd.Flags().String("model", "", "Model served by the network")
	networkCreateCmd.Flags().Int("max-clients", 0, "Client cap (0 = tier default)")
	networkCreateCmd.Flags().Int("priority", 5, "Scheduling priority (1-10)")
	networkCreateCmd.MarkFlagRequired("model")

	networkCmd.AddCommand(networkCreateCmd)
	networkCmd.AddCommand(networkListCmd)
	networkCmd.AddCommand(networkPendingCmd)
	networkCmd.AddCommand(networkDeleteCmd)
}
