// Package hwid derives a stable per-machine identifier used for license
// binding and hardware-bound key derivation.
package hwid

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
)

var (
	mu     sync.Mutex
	cached string
)

// Fingerprint returns the hardware fingerprint for this machine as a
// 64-char hex string. The value is computed once and cached; it stays
// stable across restarts as long as the host identity, CPU model and
// physical interfaces do not change.
func Fingerprint() (string, error) {
	mu.Lock()
	defer mu.Unlock()

	if cached != "" {
		return cached, nil
	}

	parts := []string{}

	if info, err := host.Info(); err == nil {
		parts = append(parts, info.HostID, info.Platform, info.KernelArch)
	} else {
		hostname, _ := os.Hostname()
		parts = append(parts, hostname)
	}

	if cpus, err := cpu.Info(); err == nil && len(cpus) > 0 {
		parts = append(parts, cpus[0].ModelName, fmt.Sprintf("%d", len(cpus)))
	}

	parts = append(parts, macAddresses()...)

	if len(parts) == 0 {
		return "", fmt.Errorf("no hardware identity sources available")
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	cached = hex.EncodeToString(sum[:])
	return cached, nil
}

// macAddresses returns the sorted hardware addresses of non-loopback,
// non-virtual interfaces. Sorting keeps the fingerprint independent of
// enumeration order.
func macAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		name := strings.ToLower(iface.Name)
		if strings.HasPrefix(name, "veth") || strings.HasPrefix(name, "docker") || strings.HasPrefix(name, "br-") {
			continue
		}
		macs = append(macs, iface.HardwareAddr.String())
	}
	sort.Strings(macs)
	return macs
}

// Reset clears the cached fingerprint. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	cached = ""
}
