package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stocklock/internal/adapter/memory"
	"github.com/rl1809/stocklock/internal/core/domain"
)

func TestParseKind(t *testing.T) {
	for _, k := range kinds {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := ParseKind("redlock")
	assert.ErrorIs(t, err, domain.ErrInvalidStrategy)
}

func TestKind_Conditional(t *testing.T) {
	conditional := map[Kind]bool{
		KindNone:        false,
		KindMutex:       false,
		KindPessimistic: false,
		KindNamed:       false,
		KindOptimistic:  true,
		KindSpin:        true,
		KindPubSub:      true,
	}
	for k, want := range conditional {
		assert.Equal(t, want, k.Conditional(), k)
	}
	assert.True(t, KindSpin.Distributed())
	assert.False(t, KindNamed.Distributed())
}

func TestRegistry(t *testing.T) {
	cfg := testConfig(time.Second, time.Second)

	withCoord := NewRegistry(memory.NewStore(), memory.NewCoordinator(), cfg)
	assert.Len(t, withCoord.Kinds(), len(kinds))
	for _, k := range kinds {
		s, err := withCoord.Get(k)
		require.NoError(t, err)
		assert.Equal(t, k, s.Kind())
	}

	local := NewRegistry(memory.NewStore(), nil, cfg)
	_, err := local.Get(KindSpin)
	assert.ErrorIs(t, err, domain.ErrInvalidStrategy)
	assert.Equal(t, []Kind{KindMutex, KindNamed, KindNone, KindOptimistic, KindPessimistic}, local.Kinds())
}
