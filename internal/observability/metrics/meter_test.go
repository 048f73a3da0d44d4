package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPurpose: Validates that instruments register on a disabled (noop) meter and record without panicking.
// Scope: Unit Test
// Expected: NewInstruments succeeds and every recorder is callable.
// Test Case ID: MET-01
func TestMetrics_Instruments_Noop(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, Config{Enabled: false}, "botvisor-test")
	require.NoError(t, err)

	in, err := NewInstruments(m)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		in.ProcessStarted(ctx)
		in.ProcessEnded(ctx, "failed")
		in.Delivered(ctx, "w1", 12.5, errors.New("refused"))
		in.ProbeFailed(ctx, "w1")
		in.Reassigned(ctx, "w1")
	})
}

// TestPurpose: Validates that a nil instrument set is a valid no-op.
// Scope: Unit Test
// Expected: No panic.
// Test Case ID: MET-02
func TestMetrics_Instruments_Nil(t *testing.T) {
	var in *Instruments
	assert.NotPanics(t, func() {
		in.ProcessStarted(context.Background())
		in.Delivered(context.Background(), "w1", 1, nil)
	})
}
