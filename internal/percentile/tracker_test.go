package percentile

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRank_EmptyIsZero(t *testing.T) {
	tr := New()
	assert.Equal(t, 0.0, tr.Rank(0.7))
	assert.Equal(t, 0, tr.Len())
}

func TestRank(t *testing.T) {
	tr := New()
	for _, v := range []float64{0.4, 0.1, 0.3, 0.2} {
		tr.Insert(v)
	}

	tests := []struct {
		name  string
		value float64
		want  float64
	}{
		{"below all", 0.05, 0},
		{"between", 0.25, 0.5},
		{"equal to an element", 0.3, 0.5},
		{"above all", 0.9, 1},
		{"equal to smallest", 0.1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tr.Rank(tt.value))
		})
	}
}

func TestInsert_KeepsOrder(t *testing.T) {
	tr := New()
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		tr.Insert(r.Float64())
	}
	vals := tr.Values()
	assert.Len(t, vals, 500)
	assert.True(t, sort.Float64sAreSorted(vals))
}

func TestInsert_DuplicatesAreKept(t *testing.T) {
	tr := New()
	tr.Insert(0.1)
	tr.Insert(0.2)
	before := tr.Len()

	tr.Insert(0.5)
	tr.Insert(0.5)

	assert.Equal(t, before+2, tr.Len())
	assert.Equal(t, float64(before)/float64(before+2), tr.Rank(0.5))
}

func TestRankThenInsert(t *testing.T) {
	tr := New()
	values := []float64{3, 1, 2}
	var ranks []float64
	for _, v := range values {
		ranks = append(ranks, tr.Rank(v))
		tr.Insert(v)
	}
	// 3 against {}, 1 against {3}, 2 against {1,3}
	assert.Equal(t, []float64{0, 0, 0.5}, ranks)
}

func TestReset(t *testing.T) {
	tr := NewWindowed(4)
	tr.Insert(1)
	tr.Insert(2)
	tr.Reset()
	assert.Equal(t, 0, tr.Len())
	assert.Equal(t, 0.0, tr.Rank(5))

	tr.Insert(9)
	assert.Equal(t, []float64{9}, tr.Values())
}

func TestWindowed_EvictsOldest(t *testing.T) {
	tr := NewWindowed(3)
	for _, v := range []float64{5, 1, 4, 2} {
		tr.Insert(v)
	}
	// 5 was inserted first and is gone
	assert.Equal(t, []float64{1, 2, 4}, tr.Values())

	tr.Insert(3)
	assert.Equal(t, []float64{2, 3, 4}, tr.Values())
}

func TestWindowed_ZeroIsUnbounded(t *testing.T) {
	tr := NewWindowed(0)
	for i := 0; i < 100; i++ {
		tr.Insert(float64(i))
	}
	assert.Equal(t, 100, tr.Len())
}

func TestValues_IsACopy(t *testing.T) {
	tr := New()
	tr.Insert(1)
	v := tr.Values()
	v[0] = 42
	assert.Equal(t, []float64{1}, tr.Values())
}
