package downloader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiktrue/platform/pkg/errdefs"
	"github.com/tiktrue/platform/pkg/license"
	"github.com/tiktrue/platform/pkg/log"
	"github.com/tiktrue/platform/pkg/modelcrypto"
	"github.com/tiktrue/platform/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// modelServer serves content with Range support
func modelServer(content []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := int64(0)
		if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
			val := strings.TrimSuffix(strings.TrimPrefix(rangeHeader, "bytes="), "-")
			start, _ = strconv.ParseInt(val, 10, 64)
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(content)-1, len(content)))
			w.WriteHeader(http.StatusPartialContent)
		}
		w.Write(content[start:])
	}))
}

func newTestManager(t *testing.T, tier types.Tier) (*Manager, string) {
	t.Helper()

	dataDir := t.TempDir()
	lstore, err := license.NewStorage(t.TempDir(), "hw")
	require.NoError(t, err)
	enforcer, err := license.NewEnforcer(lstore, "hw")
	require.NoError(t, err)
	l, err := license.NewFromKey(fmt.Sprintf("TIKT-%s-12M-DLD001", tier), time.Now())
	require.NoError(t, err)
	require.NoError(t, enforcer.Install(l))

	engine, err := modelcrypto.NewEngine(t.TempDir(), "hw")
	require.NoError(t, err)

	m, err := NewManager(dataDir, nil, enforcer, engine)
	require.NoError(t, err)
	return m, dataDir
}

func checksumOf(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func TestDownloadVerifyEncrypt(t *testing.T) {
	content := bytes.Repeat([]byte("model-weights"), 200000) // ~2.6 MB
	server := modelServer(content)
	defer server.Close()

	m, dataDir := newTestManager(t, types.TierPro)

	var lastProgress Progress
	err := m.Download(context.Background(), nil, "llama-7b", server.URL, checksumOf(content), func(p Progress) {
		lastProgress = p
	})
	require.NoError(t, err)

	status, ok := m.Status("llama-7b")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, status.State)
	assert.NotEmpty(t, status.KeyID)

	// Plaintext gone, encrypted blocks present.
	_, err = os.Stat(status.TempPath)
	assert.True(t, os.IsNotExist(err))
	manifest, err := modelcrypto.LoadManifest(filepath.Join(dataDir, "models", "llama-7b", "blocks"))
	require.NoError(t, err)
	assert.Equal(t, "llama-7b", manifest.ModelID)
	assert.Equal(t, 3, manifest.TotalBlocks)

	_ = lastProgress // progress delivery is timing-dependent; completion is asserted above
}

func TestDownloadChecksumMismatch(t *testing.T) {
	content := []byte("model content")
	server := modelServer(content)
	defer server.Close()

	m, _ := newTestManager(t, types.TierPro)

	err := m.Download(context.Background(), nil, "llama-7b", server.URL, checksumOf([]byte("other")), nil)
	assert.ErrorIs(t, err, errdefs.ErrDownloadChecksum)

	status, ok := m.Status("llama-7b")
	require.True(t, ok)
	assert.Equal(t, StateFailed, status.State)

	// Artifact deleted on integrity failure.
	_, err = os.Stat(status.TempPath)
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadModelNotLicensed(t *testing.T) {
	m, _ := newTestManager(t, types.TierPro)

	// Restrict the license to one model.
	l := m.enforcer.Current()
	l.AllowedModels = []string{"llama-7b"}
	l.Checksum = license.Checksum(l)
	require.NoError(t, m.enforcer.Install(l))

	err := m.Download(context.Background(), nil, "mistral-7b", "http://unused", "x", nil)
	assert.ErrorIs(t, err, errdefs.ErrFeatureDisallowed)
}

func TestResumeStateSurvivesRestart(t *testing.T) {
	m, dataDir := newTestManager(t, types.TierPro)

	// Simulate an interrupted download by persisting a mid-flight state.
	d := &Download{
		ModelID:        "llama-7b",
		URL:            "http://example.invalid/model",
		Checksum:       "abc",
		TempPath:       filepath.Join(dataDir, "downloads", "llama-7b.part"),
		ResumePosition: 1024,
		State:          StateDownloading,
		StartedAt:      time.Now().UTC(),
	}
	m.persist(d)

	m2, err := NewManager(dataDir, nil, m.enforcer, m.engine)
	require.NoError(t, err)

	status, ok := m2.Status("llama-7b")
	require.True(t, ok)
	assert.Equal(t, StatePaused, status.State)
	assert.Equal(t, int64(1024), status.ResumePosition)
}
