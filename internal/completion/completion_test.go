package completion

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/ballot/internal/models"
)

func TestMerge_Monotonic(t *testing.T) {
	tests := []struct {
		name  string
		state models.VariantState
		sig   models.Signals
		want  models.VariantState
	}{
		{"pending no signals", models.VariantStatePending, models.Signals{}, models.VariantStatePending},
		{"explicit", models.VariantStatePending, models.Signals{Explicit: true}, models.VariantStateCompleted},
		{"marker", models.VariantStatePending, models.Signals{Marker: true}, models.VariantStateCompleted},
		{"both", models.VariantStatePending, models.Signals{Explicit: true, Marker: true}, models.VariantStateCompleted},
		{"completed stays completed", models.VariantStateCompleted, models.Signals{}, models.VariantStateCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Merge(tt.state, tt.sig))
		})
	}
}

func TestLogSource(t *testing.T) {
	dir := t.TempDir()
	src := NewLogSource()

	fired, err := src.Detect(dir)
	require.NoError(t, err)
	assert.False(t, fired, "missing log is not completion")

	logPath := filepath.Join(dir, LogFileName)
	require.NoError(t, os.WriteFile(logPath, []byte("TASK STARTED - Mon\nworking...\n"), 0644))
	fired, err = src.Detect(dir)
	require.NoError(t, err)
	assert.False(t, fired)

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("TASK COMPLETED SUCCESSFULLY - Mon\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	fired, err = src.Detect(dir)
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestMarkerSource(t *testing.T) {
	dir := t.TempDir()
	src := NewMarkerSource()

	fired, err := src.Detect(dir)
	require.NoError(t, err)
	assert.False(t, fired)

	require.NoError(t, os.WriteFile(filepath.Join(dir, MarkerFileName), nil, 0644))
	fired, err = src.Detect(dir)
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestObserve_StickyMarker(t *testing.T) {
	dir := t.TempDir()
	src := NewMarkerSource()
	marker := filepath.Join(dir, MarkerFileName)

	require.NoError(t, os.WriteFile(marker, nil, 0644))
	sig, err := Observe(src, dir, models.Signals{})
	require.NoError(t, err)
	assert.True(t, sig.Marker)

	require.NoError(t, os.Remove(marker))
	sig, err = Observe(src, dir, sig)
	require.NoError(t, err)
	assert.True(t, sig.Marker, "marker must not be forgotten once seen")
	assert.Equal(t, models.VariantStateCompleted, Merge(models.VariantStatePending, sig))
}

func TestObserve_KeepsExplicit(t *testing.T) {
	sig, err := Observe(NewLogSource(), t.TempDir(), models.Signals{Explicit: true})
	require.NoError(t, err)
	assert.True(t, sig.Explicit)
	assert.False(t, sig.Marker)
}
