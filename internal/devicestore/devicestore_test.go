package devicestore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMissingReturnsNil(t *testing.T) {
	s := New()
	cfg, err := s.Get("nope")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestQueuePendingConfigCreatesRecord(t *testing.T) {
	s := New()
	s.QueuePendingConfig("uid1", []byte{0x01, 0x02})

	cfg, err := s.Get("uid1")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.HasPendingConfig())
	assert.Equal(t, []byte{0x01, 0x02}, cfg.PendingConfig)
}

func TestClearPendingConfig(t *testing.T) {
	s := New()
	s.QueuePendingConfig("uid2", []byte{0xAA})

	err := s.ClearPendingConfig("uid2")
	require.NoError(t, err)

	cfg, _ := s.Get("uid2")
	require.NotNil(t, cfg)
	assert.False(t, cfg.HasPendingConfig())
}

func TestClearPendingConfigOnUnknownUIDIsNoop(t *testing.T) {
	s := New()
	assert.NoError(t, s.ClearPendingConfig("ghost"))
}
