package modelcrypto

import (
	"time"
)

// RotateKeys replaces every non-rotated key for a model with a fresh
// one and returns old-to-new key id mappings. Old keys stay available
// for decrypting pre-rotation blocks; hardware-bound lineage is not
// preserved because derived keys are deterministic per license, so
// replacements are random.
func (e *Engine) RotateKeys(modelID, licenseKey string) (map[string]string, error) {
	rotated := make(map[string]string)

	for _, old := range e.ListKeys(modelID) {
		if old.Rotated {
			continue
		}

		replacement, err := e.GenerateKey(modelID, false, licenseKey)
		if err != nil {
			return rotated, err
		}

		e.mu.Lock()
		old.Rotated = true
		old.RotatedTo = replacement.KeyID
		old.RotationDate = time.Now().UTC()
		e.mu.Unlock()

		if err := e.storeKey(old); err != nil {
			return rotated, err
		}

		rotated[old.KeyID] = replacement.KeyID
	}

	e.logger.Info().
		Str("model_id", modelID).
		Int("rotated", len(rotated)).
		Msg("Rotated encryption keys")
	return rotated, nil
}

// ActiveKey returns the newest non-rotated, non-expired key for a
// model, or nil when none exists.
func (e *Engine) ActiveKey(modelID string) *EncryptionKey {
	var newest *EncryptionKey
	now := time.Now()
	for _, key := range e.ListKeys(modelID) {
		if key.Rotated || now.After(key.ExpiresAt) {
			continue
		}
		if newest == nil || key.CreatedAt.After(newest.CreatedAt) {
			newest = key
		}
	}
	return newest
}
