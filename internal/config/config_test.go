package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("OMR_JWT_SECRET", "secret")
	t.Setenv("OMR_DETECTION_URL", " http://detector:9000 ")
	t.Setenv("OMR_BATCH_WORKERS", "3")
	t.Setenv("OMR_EXAM_CACHE_TTL", "90s")
	t.Setenv("OMR_APP_PORT", ":9090")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "http://detector:9000", cfg.DetectionURL)
	require.Equal(t, 3, cfg.BatchWorkers)
	require.Equal(t, 90*time.Second, cfg.ExamCacheTTL)
	require.Equal(t, 30*time.Second, cfg.DetectionTimeout)
	require.Equal(t, int64(15<<20), cfg.BatchMaxImageBytes)
	require.Equal(t, "omr:batches", cfg.EventsChannel)
	require.Equal(t, ":9090", cfg.HTTPAddress())
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("OMR_DETECTION_URL", "http://detector")
	_, err := Load()
	require.ErrorContains(t, err, "jwt secret")

	t.Setenv("OMR_JWT_SECRET", "secret")
	t.Setenv("OMR_DETECTION_TIMEOUT", "soon")
	_, err = Load()
	require.ErrorContains(t, err, "detection.timeout")
}

func TestHTTPAddress(t *testing.T) {
	require.Equal(t, ":8080", Config{AppPort: "8080"}.HTTPAddress())
}
