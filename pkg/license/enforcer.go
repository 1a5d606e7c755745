package license

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/types"
)

// Enforcer is the process-wide license authority. It holds the current
// license behind an atomic pointer so validation on hot paths never
// blocks, and re-validates on demand. It must be initialized before any
// component that consumes it.
type Enforcer struct {
	storage     *Storage
	hardwareSig string
	current     atomic.Pointer[types.License]
	logger      zerolog.Logger
}

// NewEnforcer creates an enforcer over the given storage. If a license
// blob exists it is loaded and validated immediately.
func NewEnforcer(storage *Storage, hardwareSig string) (*Enforcer, error) {
	e := &Enforcer{
		storage:     storage,
		hardwareSig: hardwareSig,
		logger:      log.WithComponent("license"),
	}

	l, err := storage.Load()
	if err == nil {
		status, verr := Validate(l, hardwareSig, time.Now())
		l.Status = status
		e.current.Store(l)
		if verr != nil {
			e.logger.Warn().Err(verr).Str("status", string(status)).Msg("Stored license failed validation")
		}
	}

	return e, nil
}

// Install binds, validates, persists and activates a license record
func (e *Enforcer) Install(l *types.License) error {
	if err := Bind(l, e.hardwareSig); err != nil {
		return err
	}

	status, err := Validate(l, e.hardwareSig, time.Now())
	l.Status = status
	if err != nil {
		return err
	}

	if err := e.storage.Save(l); err != nil {
		return err
	}

	e.current.Store(l)
	e.logger.Info().
		Str("plan", string(l.Plan)).
		Time("expires_at", l.ExpiresAt).
		Msg("License installed")
	return nil
}

// Current returns the active license, or nil when none is installed
func (e *Enforcer) Current() *types.License {
	return e.current.Load()
}

// Tier returns the active tier; FREE when no valid license is present
func (e *Enforcer) Tier() types.Tier {
	l := e.current.Load()
	if l == nil || l.Status != types.LicenseValid {
		return types.TierFree
	}
	return l.Plan
}

// Check re-validates the current license against expiry and hardware
// binding and updates its status. Returns nil only for a valid license.
func (e *Enforcer) Check() error {
	l := e.current.Load()
	if l == nil {
		return errdefs.ErrLicenseMissing
	}

	status, err := Validate(l, e.hardwareSig, time.Now())
	if status != l.Status {
		// Swap in a copy with the refreshed status; readers never see a
		// half-updated record.
		updated := *l
		updated.Status = status
		e.current.Store(&updated)
		e.logger.Warn().
			Str("from", string(l.Status)).
			Str("to", string(status)).
			Msg("License status changed")
	}
	return err
}

// RequireTier fails unless the current license is valid and at least the
// required tier.
func (e *Enforcer) RequireTier(required types.Tier) error {
	if err := e.Check(); err != nil {
		return err
	}
	if !e.Tier().AtLeast(required) {
		return errdefs.Wrapf(errdefs.ErrTierTooLow, "tier %s required, have %s", required, e.Tier())
	}
	return nil
}

// RequireFeature fails unless the current license tier enables a feature
func (e *Enforcer) RequireFeature(feature string) error {
	if err := e.Check(); err != nil {
		return err
	}
	if !HasFeature(e.Tier(), feature) {
		return errdefs.Wrapf(errdefs.ErrFeatureDisallowed, "feature %s", feature)
	}
	return nil
}

// RequireModel fails unless the current license allows a model
func (e *Enforcer) RequireModel(modelID string) error {
	if err := e.Check(); err != nil {
		return err
	}
	l := e.current.Load()
	if !l.AllowsModel(modelID) {
		return errdefs.Wrapf(errdefs.ErrFeatureDisallowed, "model %s not licensed", modelID)
	}
	return nil
}
