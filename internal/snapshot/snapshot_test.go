package snapshot

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveWritesUnderDayDirectory(t *testing.T) {
	base := t.TempDir()
	w, err := NewWriter(base)
	require.NoError(t, err)

	at := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	rel, err := w.Save([]byte{0xFF, 0xD8, 0xFF, 0xD9}, "fire/weapon", at)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rel, "20260506/event_fire_weapon_070809.000_"), rel)
	assert.True(t, strings.HasSuffix(rel, ".jpg"))

	data, err := os.ReadFile(filepath.Join(base, filepath.FromSlash(rel)))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0xD8, 0xFF, 0xD9}, data)

	files, bytes := w.Stats()
	assert.Equal(t, uint64(1), files)
	assert.Equal(t, uint64(4), bytes)
}

func TestSaveUniqueNames(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)
	at := time.Now()
	a, err := w.Save([]byte("a"), "person", at)
	require.NoError(t, err)
	b, err := w.Save([]byte("b"), "person", at)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestOpenRejectsTraversal(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	_, err = w.Open("../../etc/passwd")
	assert.Error(t, err)

	p, err := w.Open("20260506/x.jpg")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(p, filepath.Join("20260506", "x.jpg")))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "unknown", sanitize(""))
	assert.Equal(t, "a_b", sanitize("a b"))
}
