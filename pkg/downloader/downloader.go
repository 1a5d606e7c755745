// Package downloader fetches model files over HTTP(S) with resume
// support, verifies their integrity and hands them to the encryption
// pipeline, deleting the plaintext afterwards.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiktrue/platform/pkg/access"
	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/license"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/metrics"
	"github.com/tiktrue/platform/pkg/modelcrypto"
	"github.com/tiktrue/platform/pkg/types"
)

// State is the lifecycle of one download
type State string

const (
	StatePending     State = "pending"
	StateDownloading State = "downloading"
	StatePaused      State = "paused"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
	StateCancelled   State = "cancelled"
)

// Progress is delivered to the progress callback while downloading
type Progress struct {
	ModelID         string        `json:"model_id"`
	Percent         float64       `json:"percent"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	TotalBytes      int64         `json:"total_bytes"`
	SpeedBPS        float64       `json:"speed_bps"`
	ETA             time.Duration `json:"eta"`
}

// ProgressFunc receives periodic progress updates
type ProgressFunc func(Progress)

// Download is the persisted state of one model download
type Download struct {
	ModelID        string    `json:"model_id"`
	URL            string    `json:"url"`
	Checksum       string    `json:"checksum"`
	TempPath       string    `json:"temp_path"`
	ResumePosition int64     `json:"resume_position"`
	TotalBytes     int64     `json:"total_bytes"`
	State          State     `json:"state"`
	Error          string    `json:"error,omitempty"`
	KeyID          string    `json:"key_id,omitempty"`
	BlocksDir      string    `json:"blocks_dir,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Manager runs downloads for one node
type Manager struct {
	dataDir  string
	access   *access.Manager
	enforcer *license.Enforcer
	engine   *modelcrypto.Engine
	client   *http.Client
	logger   zerolog.Logger

	mu        sync.Mutex
	downloads map[string]*Download
	cancels   map[string]context.CancelFunc
}

// NewManager creates the download manager; persisted download states
// are reloaded so interrupted downloads can resume.
func NewManager(dataDir string, accessMgr *access.Manager, enforcer *license.Enforcer, engine *modelcrypto.Engine) (*Manager, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "downloads"), 0700); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	m := &Manager{
		dataDir:   dataDir,
		access:    accessMgr,
		enforcer:  enforcer,
		engine:    engine,
		client:    &http.Client{Timeout: 0}, // long transfers; deadlines come from ctx
		logger:    log.WithComponent("downloader"),
		downloads: make(map[string]*Download),
		cancels:   make(map[string]context.CancelFunc),
	}

	if err := m.loadStates(); err != nil {
		return nil, err
	}
	return m, nil
}

// Download runs (or resumes) a model download to completion: fetch,
// verify, encrypt, clean up. It blocks until done or failed.
func (m *Manager) Download(ctx context.Context, user *types.User, modelID, url, checksum string, progressFn ProgressFunc) error {
	if err := m.gate(user, modelID); err != nil {
		return err
	}

	m.mu.Lock()
	d, ok := m.downloads[modelID]
	if ok && d.State == StateDownloading {
		m.mu.Unlock()
		return fmt.Errorf("download already running for model %s", modelID)
	}
	if !ok || d.State == StateCompleted || d.URL != url {
		d = &Download{
			ModelID:   modelID,
			URL:       url,
			Checksum:  checksum,
			TempPath:  filepath.Join(m.dataDir, "downloads", modelID+".part"),
			State:     StatePending,
			StartedAt: time.Now().UTC(),
		}
		m.downloads[modelID] = d
	}

	dctx, cancel := context.WithCancel(ctx)
	m.cancels[modelID] = cancel
	d.State = StateDownloading
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.cancels, modelID)
		m.mu.Unlock()
	}()

	if err := m.fetch(dctx, d, progressFn); err != nil {
		m.finish(d, err)
		return err
	}

	if err := m.verify(d); err != nil {
		os.Remove(d.TempPath)
		d.ResumePosition = 0
		m.finish(d, err)
		return err
	}

	if err := m.encrypt(d); err != nil {
		m.finish(d, err)
		return err
	}

	m.finish(d, nil)
	m.logger.Info().
		Str("model_id", modelID).
		Str("blocks_dir", d.BlocksDir).
		Msg("Model downloaded and encrypted")
	return nil
}

// gate enforces the model access policy before any bytes move
func (m *Manager) gate(user *types.User, modelID string) error {
	if err := m.enforcer.RequireModel(modelID); err != nil {
		return err
	}
	if m.access != nil && user != nil {
		result := m.access.Check(user, access.ResourceModel, modelID, access.LevelRead, "", "")
		if !result.Granted {
			return errdefs.Wrapf(errdefs.ErrFeatureDisallowed, "model access denied: %s", result.Reason)
		}
	}
	return nil
}

// fetch streams the file into the temp path, resuming from the current
// position via a Range request.
func (m *Manager) fetch(ctx context.Context, d *Download, progressFn ProgressFunc) error {
	if info, err := os.Stat(d.TempPath); err == nil {
		d.ResumePosition = info.Size()
	} else {
		d.ResumePosition = 0
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if d.ResumePosition > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", d.ResumePosition))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return errdefs.Wrapf(errdefs.ErrUnreachable, "download failed: %v", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Server ignored the range; start over.
		d.ResumePosition = 0
	case http.StatusPartialContent:
	default:
		return errdefs.Wrapf(errdefs.ErrUnreachable, "unexpected status %s", resp.Status)
	}

	d.TotalBytes = d.ResumePosition + resp.ContentLength

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if d.ResumePosition == 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	out, err := os.OpenFile(d.TempPath, flags, 0600)
	if err != nil {
		return fmt.Errorf("failed to open temp file: %w", err)
	}
	defer out.Close()

	buf := make([]byte, 256*1024)
	written := d.ResumePosition
	lastReport := time.Now()
	reportStartBytes := written

	for {
		select {
		case <-ctx.Done():
			d.ResumePosition = written
			m.persist(d)
			return ctx.Err()
		default:
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write temp file: %w", werr)
			}
			written += int64(n)
			metrics.DownloadBytes.Add(float64(n))
		}

		if progressFn != nil && time.Since(lastReport) >= 500*time.Millisecond {
			elapsed := time.Since(lastReport).Seconds()
			speed := float64(written-reportStartBytes) / elapsed
			progressFn(buildProgress(d, written, speed))
			lastReport = time.Now()
			reportStartBytes = written
		}

		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			d.ResumePosition = written
			m.persist(d)
			return errdefs.Wrapf(errdefs.ErrUnreachable, "download interrupted: %v", rerr)
		}
	}

	d.ResumePosition = written
	if progressFn != nil {
		progressFn(buildProgress(d, written, 0))
	}
	m.persist(d)
	return nil
}

func buildProgress(d *Download, written int64, speed float64) Progress {
	p := Progress{
		ModelID:         d.ModelID,
		BytesDownloaded: written,
		TotalBytes:      d.TotalBytes,
		SpeedBPS:        speed,
	}
	if d.TotalBytes > 0 {
		p.Percent = 100 * float64(written) / float64(d.TotalBytes)
		if speed > 0 {
			p.ETA = time.Duration(float64(d.TotalBytes-written)/speed) * time.Second
		}
	}
	return p
}

// verify recomputes the file digest against the backend-supplied
// checksum; a mismatch deletes the artifact.
func (m *Manager) verify(d *Download) error {
	f, err := os.Open(d.TempPath)
	if err != nil {
		return fmt.Errorf("failed to open downloaded file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash downloaded file: %w", err)
	}

	if got := hex.EncodeToString(h.Sum(nil)); got != d.Checksum {
		return errdefs.Wrapf(errdefs.ErrDownloadChecksum,
			"model %s: got %s, expected %s", d.ModelID, got, d.Checksum)
	}
	return nil
}

// encrypt splits the verified file into encrypted blocks and removes
// the plaintext.
func (m *Manager) encrypt(d *Download) error {
	licenseKey := ""
	hardwareBound := false
	if l := m.enforcer.Current(); l != nil {
		licenseKey = l.LicenseKey
		hardwareBound = true
	}

	key, err := m.engine.GenerateKey(d.ModelID, hardwareBound, licenseKey)
	if err != nil {
		return err
	}
	d.KeyID = key.KeyID

	outputDir := filepath.Join(m.dataDir, "models", d.ModelID)
	if _, err := m.engine.EncryptModelFile(d.ModelID, d.TempPath, outputDir, key.KeyID); err != nil {
		return err
	}
	d.BlocksDir = filepath.Join(outputDir, "blocks")

	if err := os.Remove(d.TempPath); err != nil {
		m.logger.Warn().Err(err).Str("path", d.TempPath).Msg("Failed to remove plaintext file")
	}
	return nil
}

// Pause stops a running download, keeping its partial file
func (m *Manager) Pause(modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancel, ok := m.cancels[modelID]
	if !ok {
		return fmt.Errorf("no running download for model %s", modelID)
	}
	cancel()
	if d, ok := m.downloads[modelID]; ok {
		d.State = StatePaused
		m.persistLocked(d)
	}
	return nil
}

// Cancel aborts a download and deletes its partial file
func (m *Manager) Cancel(modelID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, ok := m.cancels[modelID]; ok {
		cancel()
	}

	d, ok := m.downloads[modelID]
	if !ok {
		return fmt.Errorf("no download for model %s", modelID)
	}
	d.State = StateCancelled
	d.ResumePosition = 0
	os.Remove(d.TempPath)
	m.persistLocked(d)
	return nil
}

// Status returns the state of one download
func (m *Manager) Status(modelID string) (Download, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.downloads[modelID]
	if !ok {
		return Download{}, false
	}
	return *d, true
}

// finish records the terminal state of a run
func (m *Manager) finish(d *Download, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case err == nil:
		d.State = StateCompleted
		d.Error = ""
	case err == context.Canceled:
		if d.State != StateCancelled {
			d.State = StatePaused
		}
	default:
		d.State = StateFailed
		d.Error = err.Error()
	}
	m.persistLocked(d)
}

func (m *Manager) statePath(modelID string) string {
	return filepath.Join(m.dataDir, "downloads", modelID+".json")
}

func (m *Manager) persist(d *Download) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistLocked(d)
}

func (m *Manager) persistLocked(d *Download) {
	d.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return
	}
	if err := os.WriteFile(m.statePath(d.ModelID), data, 0600); err != nil {
		m.logger.Warn().Err(err).Str("model_id", d.ModelID).Msg("Failed to persist download state")
	}
}

func (m *Manager) loadStates() error {
	entries, err := os.ReadDir(filepath.Join(m.dataDir, "downloads"))
	if err != nil {
		return fmt.Errorf("failed to read download directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dataDir, "downloads", entry.Name()))
		if err != nil {
			continue
		}
		var d Download
		if err := json.Unmarshal(data, &d); err != nil {
			continue
		}
		if d.State == StateDownloading {
			// The process died mid-download; it resumes as paused.
			d.State = StatePaused
		}
		m.downloads[d.ModelID] = &d
	}
	return nil
}
