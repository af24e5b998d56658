package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager_Presets(t *testing.T) {
	m := NewManager(quietLogger())

	assert.Equal(t, []string{MarketData, OptionData, TradingAPI}, m.Names())

	stats := m.Stats()
	require.Contains(t, stats, TradingAPI)
	assert.Equal(t, 3, stats[TradingAPI].Config.FailureThreshold)
	assert.Equal(t, 30.0, stats[TradingAPI].Config.RecoveryTimeout)
	assert.Equal(t, 2, stats[TradingAPI].Config.SuccessThreshold)
	assert.Equal(t, 15.0, stats[TradingAPI].Config.Timeout)
	assert.Equal(t, 5, stats[MarketData].Config.FailureThreshold)
	assert.Equal(t, 4, stats[OptionData].Config.FailureThreshold)
}

func TestNewManager_Overrides(t *testing.T) {
	m := NewManager(quietLogger(), WithOverrides(map[string]Config{
		TradingAPI: {FailureThreshold: 1},
		"news":     {Timeout: time.Second},
	}))

	trading := m.Get(TradingAPI).Config()
	assert.Equal(t, 1, trading.FailureThreshold)
	assert.Equal(t, 30*time.Second, trading.RecoveryTimeout, "unset fields keep the preset")

	news := m.Get("news").Config()
	assert.Equal(t, DefaultConfig.FailureThreshold, news.FailureThreshold)
	assert.Equal(t, time.Second, news.Timeout)
}

func TestManager_GetCreatesWithDefaults(t *testing.T) {
	m := NewManager(quietLogger())
	cb := m.Get("quotes")
	require.NotNil(t, cb)
	assert.Same(t, cb, m.Get("quotes"))
	assert.Equal(t, DefaultConfig, cb.Config())
	assert.Contains(t, m.Names(), "quotes")
}

func TestManager_ProtectedCallAndResetAll(t *testing.T) {
	m := NewManager(quietLogger())
	m.Register("flaky", Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, SuccessThreshold: 1})
	ctx := context.Background()

	_, err := ProtectedCall(ctx, m, "flaky", func(context.Context) (string, error) { return "", errUpstream })
	require.ErrorIs(t, err, errUpstream)

	_, err = ProtectedCall(ctx, m, "flaky", func(context.Context) (string, error) { return "never", nil })
	require.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, "open", m.Stats()["flaky"].State)

	m.ResetAll()
	assert.Equal(t, "closed", m.Stats()["flaky"].State)

	got, err := ProtectedCall(ctx, m, "flaky", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestManager_ResetUnknown(t *testing.T) {
	m := NewManager(quietLogger())
	assert.False(t, m.Reset("does-not-exist"))
	assert.True(t, m.Reset(MarketData))
}
