package api

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/credit-engine/ledger"
	"github.com/warp/credit-engine/ledger/store"
)

func TestSweep_FlipsOverdueGrants(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	past := apiNow.AddDate(0, 0, -5)
	backdated := ledger.New(mem, ledger.WithClock(func() time.Time { return past }))
	_, err := backdated.Grant(ctx, ledger.GrantInput{
		User:      ledger.User{ID: "u1"},
		Credits:   10,
		Scene:     ledger.ScenePayment,
		ValidDays: 1,
	})
	require.NoError(t, err)

	engine := ledger.New(mem, ledger.WithClock(func() time.Time { return apiNow }))
	sweeper := NewExpirySweeper(engine)
	sweeper.Sweep()

	entries, err := mem.Entries(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, ledger.StatusExpired, entries[0].Status)
}

func TestSweeper_StartStopIdempotent(t *testing.T) {
	engine := ledger.New(store.NewMemory())
	sweeper := NewExpirySweeper(engine)
	sweeper.Interval = time.Hour

	sweeper.Start()
	sweeper.Start() // second call is a no-op
	sweeper.Stop()
	sweeper.Stop()
}

func TestSweeper_DisabledDoesNotStart(t *testing.T) {
	engine := ledger.New(store.NewMemory())
	sweeper := NewExpirySweeper(engine)
	sweeper.Enabled = false

	sweeper.Start()
	sweeper.Stop()
}
