package history_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/thermalctl/internal/history"
	"github.com/stretchr/testify/assert"
)

func seq(n int) []int {
	s := make([]int, n)
	for i := range s {
		s[i] = i
	}
	return s
}

func TestTrimOldest(t *testing.T) {
	tests := []struct {
		name      string
		len       int
		limit     int
		wantLen   int
		wantFirst int
	}{
		{"under limit", 5, 10, 5, 0},
		{"at limit", 10, 10, 10, 0},
		{"one over drops a tenth", 101, 100, 91, 10},
		{"small limit drops one", 6, 5, 5, 1},
		{"far over drops overflow", 300, 100, 100, 200},
		{"no limit", 50, 0, 50, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := history.TrimOldest(seq(tt.len), tt.limit)
			assert.Len(t, got, tt.wantLen)
			assert.Equal(t, tt.wantFirst, got[0])
		})
	}
}

func TestTrimOldestRepeatedStaysBounded(t *testing.T) {
	var s []int
	for i := 0; i < 1000; i++ {
		s = history.TrimOldest(append(s, i), 37)
		assert.LessOrEqual(t, len(s), 37)
	}
	assert.Equal(t, 999, s[len(s)-1])
}

func TestDropBefore(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := []time.Time{base, base.Add(time.Hour), base.Add(2 * time.Hour)}

	kept, removed := history.DropBefore(s, base.Add(90*time.Minute), func(t time.Time) time.Time { return t })
	assert.Equal(t, 2, removed)
	assert.Equal(t, []time.Time{base.Add(2 * time.Hour)}, kept)
}

func TestCapacity(t *testing.T) {
	assert.Equal(t, 720, history.Capacity(time.Hour, 5*time.Second, 10))
	assert.Equal(t, 10, history.Capacity(0, 5*time.Second, 10))
	assert.Equal(t, 1, history.Capacity(time.Second, time.Minute, 10))
}
