package memtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResidency_EvictsLeastRecentlyUsed(t *testing.T) {
	r := NewResidency(100)

	assert.Empty(t, r.Touch(1, 40))
	assert.Empty(t, r.Touch(2, 40))
	// 1 is used again, so 2 is now the oldest.
	assert.Empty(t, r.Touch(1, 40))
	assert.Equal(t, []uint64{2}, r.Touch(3, 40))
	assert.Equal(t, int64(80), r.Size())
	assert.Equal(t, 2, r.Len())
}

func TestResidency_GrowingPageEvictsOthers(t *testing.T) {
	r := NewResidency(100)
	r.Touch(1, 30)
	r.Touch(2, 30)
	r.Touch(3, 30)

	assert.Equal(t, []uint64{1, 2}, r.Touch(3, 90))
	assert.Equal(t, int64(90), r.Size())
}

func TestResidency_NeverEvictsTheTouchedPage(t *testing.T) {
	r := NewResidency(100)
	r.Touch(1, 10)
	assert.Equal(t, []uint64{1}, r.Touch(2, 500))
	assert.Equal(t, int64(500), r.Size())
	assert.Equal(t, 1, r.Len())
}

func TestResidency_Forget(t *testing.T) {
	r := NewResidency(100)
	r.Touch(1, 60)
	r.Forget(1)
	r.Forget(42)
	assert.Zero(t, r.Size())
	assert.Empty(t, r.Touch(2, 90))
}

func TestResidency_NilIsUnbounded(t *testing.T) {
	r := NewResidency(0)
	assert.Nil(t, r)
	assert.Nil(t, r.Touch(1, 1<<40))
	r.Forget(1)
	assert.Zero(t, r.Size())
	assert.Zero(t, r.Len())
}
