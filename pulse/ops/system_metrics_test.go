package ops

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculateSafeWorkerCount(t *testing.T) {
	tests := []struct {
		availableGB float64
		want        int
	}{
		{0.5, 1},
		{1.2, 1},
		{2.0, 2},
		{5.0, 8},
		{100.0, maxSafeWorkers},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, calculateSafeWorkerCount(tt.availableGB), "available %.1fGB", tt.availableGB)
	}
}

func TestReadSystemMetrics(t *testing.T) {
	m := readSystemMetrics()
	if m.MemoryTotalGB == 0 {
		t.Skip("memory stats unavailable on this host")
	}
	assert.Greater(t, m.MemoryTotalGB, 0.0)
	assert.GreaterOrEqual(t, m.MemoryPercent, 0.0)
	assert.LessOrEqual(t, m.MemoryPercent, 100.0)
}
