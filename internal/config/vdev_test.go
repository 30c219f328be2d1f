package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadVdevConfig_FromMap(t *testing.T) {
	cfg, err := LoadVdevConfig(map[string]any{
		"children": []string{"/dev/a", "/dev/b", "/dev/c", "/dev/d"},
		"nparity":  1,
		"type":     "raidy",
	})
	require.NoError(t, err)
	assert.Equal(t, 4, len(cfg.Children))
	assert.Equal(t, 1, cfg.Nparity)
	assert.Equal(t, "raidy", cfg.Type)
}

func TestLoadVdevConfig_RejectsWrongType(t *testing.T) {
	_, err := LoadVdevConfig(map[string]any{
		"children": []string{"/dev/a", "/dev/b"},
		"nparity":  1,
		"type":     "raidz",
	})
	assert.Error(t, err)
}

func TestLoadVdevConfig_RejectsBadSource(t *testing.T) {
	_, err := LoadVdevConfig(42)
	assert.Error(t, err)
}

func TestVdevConfig_Validate(t *testing.T) {
	t.Run("NparityOutOfRange", func(t *testing.T) {
		cfg := &VdevConfig{Type: VdevTypeRaidY, Nparity: 4, Children: []string{"a", "b", "c", "d", "e"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("TooFewChildren", func(t *testing.T) {
		cfg := &VdevConfig{Type: VdevTypeRaidY, Nparity: 2, Children: []string{"a", "b"}}
		assert.Error(t, cfg.Validate())
	})

	t.Run("Valid", func(t *testing.T) {
		cfg := &VdevConfig{Type: VdevTypeRaidY, Nparity: 1, Children: []string{"a", "b", "c"}}
		assert.NoError(t, cfg.Validate())
	})
}
