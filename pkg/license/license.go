// Package license parses, validates and persists the node's license.
// A license key of the shape TIKT-<TIER>-<N>M-<ID6> is expanded by the
// backend into a full entitlement record; this package verifies that
// record on every license-gated action and keeps it encrypted at rest,
// bound to the local hardware.
package license

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/types"
)

// keyPattern matches TIKT-<TIER>-<N>M-<ID6>
var keyPattern = regexp.MustCompile(`^TIKT-(FREE|PRO|ENT)-(\d+)M-([A-Z0-9]{6})$`)

// ParseKey validates the shape of a license key and returns its tier,
// duration in months and unique id. Any deviation from the format is an
// invalid-format error.
func ParseKey(key string) (tier types.Tier, months int, uniqueID string, err error) {
	m := keyPattern.FindStringSubmatch(key)
	if m == nil {
		return "", 0, "", errdefs.Wrapf(errdefs.ErrLicenseInvalidFormat, "license key %q", key)
	}

	months, err = strconv.Atoi(m[2])
	if err != nil || months <= 0 {
		return "", 0, "", errdefs.Wrapf(errdefs.ErrLicenseInvalidFormat, "license key %q duration", key)
	}

	return types.Tier(m[1]), months, m[3], nil
}

// Checksum computes the integrity digest over a license record's fields.
// Model and feature sets are sorted so the digest does not depend on
// backend ordering.
func Checksum(l *types.License) string {
	models := append([]string(nil), l.AllowedModels...)
	sort.Strings(models)
	features := append([]string(nil), l.AllowedFeatures...)
	sort.Strings(features)

	parts := []string{
		l.LicenseKey,
		string(l.Plan),
		strconv.Itoa(l.DurationMonths),
		l.UniqueID,
		l.ExpiresAt.UTC().Format(time.RFC3339),
		strconv.Itoa(l.MaxClients),
		strings.Join(models, ","),
		strings.Join(features, ","),
		l.HardwareSignature,
		l.CreatedAt.UTC().Format(time.RFC3339),
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Validate checks a license record against the key format, checksum,
// expiry and the current hardware signature, and returns the resulting
// status. The record itself is not mutated.
func Validate(l *types.License, hardwareSig string, now time.Time) (types.LicenseStatus, error) {
	if l == nil {
		return types.LicenseInvalid, errdefs.ErrLicenseMissing
	}

	tier, months, uniqueID, err := ParseKey(l.LicenseKey)
	if err != nil {
		return types.LicenseInvalid, err
	}
	if tier != l.Plan || months != l.DurationMonths || uniqueID != l.UniqueID {
		return types.LicenseInvalid, errdefs.Wrapf(errdefs.ErrLicenseInvalidFormat,
			"license key fields disagree with record")
	}

	if l.Checksum != Checksum(l) {
		return types.LicenseInvalid, errdefs.Wrapf(errdefs.ErrLicenseInvalidFormat, "license checksum mismatch")
	}

	// Hardware binding: an empty signature means the license has not been
	// bound yet; anything else must match this machine exactly.
	if l.HardwareSignature != "" && l.HardwareSignature != hardwareSig {
		return types.LicenseInvalid, errdefs.ErrHardwareMismatch
	}

	if l.Status == types.LicenseSuspended {
		return types.LicenseSuspended, errdefs.Wrapf(errdefs.ErrLicense, "license suspended")
	}

	if l.IsExpired(now) {
		return types.LicenseExpired, errdefs.ErrLicenseExpired
	}

	return types.LicenseValid, nil
}

// NewFromKey builds a license record for a freshly issued key. Used by
// tests and the CLI when the backend payload carries only the key.
func NewFromKey(key string, now time.Time) (*types.License, error) {
	tier, months, uniqueID, err := ParseKey(key)
	if err != nil {
		return nil, err
	}

	l := &types.License{
		LicenseKey:     key,
		Plan:           tier,
		DurationMonths: months,
		UniqueID:       uniqueID,
		ExpiresAt:      now.AddDate(0, months, 0),
		MaxClients:     defaultMaxClients(tier),
		Status:         types.LicenseValid,
		CreatedAt:      now,
	}
	l.Checksum = Checksum(l)
	return l, nil
}

func defaultMaxClients(tier types.Tier) int {
	switch tier {
	case types.TierEnt:
		return -1
	case types.TierPro:
		return 20
	default:
		return 3
	}
}

// Bind stamps the hardware signature into the license and refreshes the
// checksum. Binding an already-bound license to different hardware fails.
func Bind(l *types.License, hardwareSig string) error {
	if l.HardwareSignature != "" && l.HardwareSignature != hardwareSig {
		return errdefs.ErrHardwareMismatch
	}
	l.HardwareSignature = hardwareSig
	l.Checksum = Checksum(l)
	return nil
}

// Fingerprint returns a short stable identifier for a license, used to
// key usage analytics without exposing the license key itself.
func Fingerprint(l *types.License) string {
	if l == nil {
		return ""
	}
	sum := sha256.Sum256([]byte(l.LicenseKey + "|" + l.Checksum))
	return hex.EncodeToString(sum[:8])
}

// TierFeatures returns the feature tags enabled for a tier.
func TierFeatures(tier types.Tier) map[string]bool {
	features := map[string]bool{
		"basic_inference": true,
		"single_network":  true,
		"local_models":    true,
	}
	if tier.AtLeast(types.TierPro) {
		features["multi_network"] = true
		features["remote_models"] = true
		features["api_access"] = true
		features["basic_monitoring"] = true
	}
	if tier.AtLeast(types.TierEnt) {
		features["advanced_monitoring"] = true
		features["backup_restore"] = true
		features["custom_encryption"] = true
		features["priority_support"] = true
		features["unlimited_workers"] = true
		features["advanced_analytics"] = true
	}
	return features
}

// HasFeature reports whether a tier enables a feature tag
func HasFeature(tier types.Tier, feature string) bool {
	return TierFeatures(tier)[feature]
}
