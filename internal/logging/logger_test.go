package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewApplicationLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewApplicationLogger(Name("test-gateway"), Path(dir), Level("debug"))
	require.NoError(t, err)

	logger.Infow("room joined", "room", "R1")
	_ = logger.Sync()

	data, err := os.ReadFile(filepath.Join(dir, "test-gateway.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "room joined")
	assert.Contains(t, string(data), "R1")
}

func TestNewApplicationLoggerRejectsBadLevel(t *testing.T) {
	_, err := NewApplicationLogger(Level("loud"))
	assert.Error(t, err)
}
