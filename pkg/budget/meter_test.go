package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iurislab/relator/pkg/retrieval"
)

func TestLimitsSetDefaults(t *testing.T) {
	var l Limits
	l.SetDefaults()

	assert.Equal(t, 20, l.MaxLLMCalls)
	assert.Equal(t, 32000, l.MaxTokens)
	assert.Equal(t, 120*time.Second, l.MaxWallTime)
	assert.Equal(t, 80, l.WarnPercent)
}

func TestLimitsSetDefaultsKeepsExplicitValues(t *testing.T) {
	l := Limits{MaxLLMCalls: 3, MaxTokens: 1000, MaxWallTime: time.Second, WarnPercent: 50}
	l.SetDefaults()

	assert.Equal(t, 3, l.MaxLLMCalls)
	assert.Equal(t, 1000, l.MaxTokens)
	assert.Equal(t, time.Second, l.MaxWallTime)
	assert.Equal(t, 50, l.WarnPercent)
}

func TestLimitsValidate(t *testing.T) {
	tests := []struct {
		name    string
		limits  Limits
		wantErr string
	}{
		{"valid", Limits{MaxLLMCalls: 10, MaxTokens: 100, WarnPercent: 80}, ""},
		{"negative calls", Limits{MaxLLMCalls: -1}, "non-negative"},
		{"negative tokens", Limits{MaxTokens: -1}, "non-negative"},
		{"warn over 100", Limits{WarnPercent: 120}, "warn_percent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMeterChargeCallStopsAtCap(t *testing.T) {
	m := NewMeter(Limits{MaxLLMCalls: 2}, nil)

	require.NoError(t, m.ChargeCall())
	require.NoError(t, m.ChargeCall())
	assert.False(t, m.CanCall())

	err := m.ChargeCall()
	require.ErrorIs(t, err, retrieval.ErrBudgetExceeded)

	// The failed charge did not consume anything.
	assert.Equal(t, 2, m.Snapshot().LLMCalls)
}

func TestMeterAddTokensReportsOverrun(t *testing.T) {
	m := NewMeter(Limits{MaxTokens: 100}, nil)

	require.NoError(t, m.AddTokens(60))
	err := m.AddTokens(60)
	require.ErrorIs(t, err, retrieval.ErrBudgetExceeded)

	// Tokens are recorded even when they cross the cap; the call already
	// happened and the trace must account for its cost.
	assert.Equal(t, 120, m.Snapshot().Tokens)
}

func TestMeterZeroCapsAreUnlimited(t *testing.T) {
	m := NewMeter(Limits{}, nil)

	for i := 0; i < 100; i++ {
		require.NoError(t, m.ChargeCall())
	}
	assert.True(t, m.CanCall())
	require.NoError(t, m.AddTokens(1_000_000))
	require.NoError(t, m.CheckWall())
}

func TestMeterCheckWall(t *testing.T) {
	m := NewMeter(Limits{MaxWallTime: time.Nanosecond}, nil)
	time.Sleep(time.Millisecond)

	err := m.CheckWall()
	require.ErrorIs(t, err, retrieval.ErrBudgetExceeded)
}

func TestMeterConcurrentChargesHonorCap(t *testing.T) {
	const callCap = 10
	m := NewMeter(Limits{MaxLLMCalls: callCap}, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.ChargeCall() == nil {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, callCap, granted)
	assert.Equal(t, callCap, m.Snapshot().LLMCalls)
}

func TestTokenCounterDegradedEstimate(t *testing.T) {
	var tc *TokenCounter

	assert.Equal(t, len("responsabilidade civil")/4, tc.Count("responsabilidade civil"))
	assert.Equal(t, "", tc.Model())
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens("abc"))
	assert.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}
