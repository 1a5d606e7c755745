package kvcache

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tiktrue/platform/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func testPool(capacity, initial int) *PageManager {
	return NewPageManager(PoolConfig{
		Batch:        1,
		NumHeads:     2,
		HeadDim:      8,
		DType:        Float32,
		PageCapacity: capacity,
		InitialPages: initial,
	})
}

// fillSequential builds [1, 2, T, 8] key/value tensors where the i-th
// token holds i in the keys and base+i in the values.
func fillSequential(tokens int, base float32) (*Tensor, *Tensor) {
	keys := NewTensor(Float32, 1, 2, tokens, 8)
	values := NewTensor(Float32, 1, 2, tokens, 8)
	for i := 0; i < tokens; i++ {
		keys.Fill(i, float32(i))
		values.Fill(i, base+float32(i))
	}
	return keys, values
}

func TestStoreRetrieveRoundTrip(t *testing.T) {
	pool := testPool(4, 2)
	session := NewSessionCache("session-1", []int{0}, pool)

	keys, values := fillSequential(10, 100)
	stored, err := session.StoreForLayer(0, keys, values)
	require.NoError(t, err)
	assert.Equal(t, 10, stored)

	gotK, gotV := session.RetrieveForLayer(0, -1)
	assert.Equal(t, [4]int{1, 2, 10, 8}, gotK.Shape())
	for i := 0; i < 10; i++ {
		assert.Equal(t, float32(i), gotK.At(0, 0, i, 0))
		assert.Equal(t, float32(100+i), gotV.At(0, 1, i, 7))
	}
	assert.True(t, gotK.Equal(keys))
	assert.True(t, gotV.Equal(values))
}

func TestStoreSpansPages(t *testing.T) {
	// Capacity 4, 10 tokens: three pages with fills 4, 4, 2.
	pool := testPool(4, 1)
	session := NewSessionCache("session-1", []int{3}, pool)

	keys, values := fillSequential(10, 100)
	_, err := session.StoreForLayer(3, keys, values)
	require.NoError(t, err)

	meta := session.LightweightMetadata()
	assert.Equal(t, 10, meta.TotalTokensOnNode)
	assert.Equal(t, 3, meta.TotalActivePagesOnNode)
	assert.Equal(t, 3, pool.Stats().Allocated)
}

func TestRetrievePartialAndOverlong(t *testing.T) {
	pool := testPool(4, 1)
	session := NewSessionCache("s", []int{0}, pool)

	keys, values := fillSequential(6, 0)
	_, err := session.StoreForLayer(0, keys, values)
	require.NoError(t, err)

	gotK, _ := session.RetrieveForLayer(0, 3)
	assert.Equal(t, 3, gotK.Tokens())
	assert.Equal(t, float32(2), gotK.At(0, 0, 2, 0))

	// Over-asking returns only what is stored.
	gotK, _ = session.RetrieveForLayer(0, 99)
	assert.Equal(t, 6, gotK.Tokens())

	// Zero-length retrieve returns empty tensors of the pool geometry.
	gotK, gotV := session.RetrieveForLayer(0, 0)
	assert.Equal(t, 0, gotK.Tokens())
	assert.Equal(t, 0, gotV.Tokens())
	assert.Equal(t, Float32, gotK.DType())
}

func TestIncrementalAppendFillsTailPage(t *testing.T) {
	pool := testPool(4, 1)
	session := NewSessionCache("s", []int{0}, pool)

	k1, v1 := fillSequential(3, 0)
	_, err := session.StoreForLayer(0, k1, v1)
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Stats().Allocated)

	// Next two tokens: one lands in the tail page, one in a fresh page.
	k2 := NewTensor(Float32, 1, 2, 2, 8)
	v2 := NewTensor(Float32, 1, 2, 2, 8)
	k2.Fill(0, 3)
	k2.Fill(1, 4)
	v2.Fill(0, 103)
	v2.Fill(1, 104)
	_, err = session.StoreForLayer(0, k2, v2)
	require.NoError(t, err)
	assert.Equal(t, 2, pool.Stats().Allocated)

	gotK, _ := session.RetrieveForLayer(0, -1)
	require.Equal(t, 5, gotK.Tokens())
	for i := 0; i < 5; i++ {
		assert.Equal(t, float32(i), gotK.At(0, 1, i, 3))
	}
}

func TestResetReturnsPagesToPool(t *testing.T) {
	pool := testPool(4, 3)
	freeBefore := pool.Stats().Free

	session := NewSessionCache("s", []int{0, 1}, pool)
	keys, values := fillSequential(10, 100)
	_, err := session.StoreForLayer(0, keys, values)
	require.NoError(t, err)
	_, err = session.StoreForLayer(1, keys, values)
	require.NoError(t, err)

	assert.Equal(t, 6, pool.Stats().Allocated)

	session.ResetForNewPrompt()
	assert.Equal(t, 0, pool.Stats().Allocated)
	assert.Equal(t, freeBefore+3, pool.Stats().Free)

	meta := session.LightweightMetadata()
	assert.Equal(t, 0, meta.TotalTokensOnNode)
	assert.Equal(t, 0, meta.TotalActivePagesOnNode)
}

func TestUnmanagedLayer(t *testing.T) {
	pool := testPool(4, 1)
	session := NewSessionCache("s", []int{0}, pool)

	keys, values := fillSequential(2, 0)
	_, err := session.StoreForLayer(7, keys, values)
	assert.Error(t, err)

	gotK, gotV := session.RetrieveForLayer(7, -1)
	assert.Equal(t, 0, gotK.Tokens())
	assert.Equal(t, 0, gotV.Tokens())
}

func TestAllocationFailureKeepsPrefix(t *testing.T) {
	pool := NewPageManager(PoolConfig{
		Batch: 1, NumHeads: 2, HeadDim: 8, DType: Float32,
		PageCapacity: 4, InitialPages: 1, MaxPages: 2,
	})
	session := NewSessionCache("s", []int{0}, pool)

	keys, values := fillSequential(12, 0)
	stored, err := session.StoreForLayer(0, keys, values)
	assert.Error(t, err)
	assert.Equal(t, 8, stored)

	gotK, _ := session.RetrieveForLayer(0, -1)
	assert.Equal(t, 8, gotK.Tokens())
}

func TestPageIDsNeverReused(t *testing.T) {
	pool := testPool(4, 0)

	p1, err := pool.Allocate()
	require.NoError(t, err)
	require.NoError(t, pool.Free(p1.ID()))

	// The freed page itself may be recycled, but fresh pages never take
	// an old id.
	p2, err := pool.Allocate()
	require.NoError(t, err)
	p3, err := pool.Allocate()
	require.NoError(t, err)
	assert.NotEqual(t, p2.ID(), p3.ID())

	assert.Error(t, pool.Free(999))
}

func TestFloat16RoundTrip(t *testing.T) {
	values := []float32{0, 1, -1, 0.5, 2.5, 100, -128, 65504, 0.0009765625}
	for _, v := range values {
		got := f16ToF32(f32ToF16(v))
		assert.Equal(t, v, got, "value %v", v)
	}
}

func TestFloat16PoolCastsOnStore(t *testing.T) {
	pool := NewPageManager(PoolConfig{
		Batch: 1, NumHeads: 1, HeadDim: 4, DType: Float16,
		PageCapacity: 4, InitialPages: 1,
	})
	session := NewSessionCache("s", []int{0}, pool)

	keys := NewTensor(Float32, 1, 1, 2, 4)
	values := NewTensor(Float32, 1, 1, 2, 4)
	keys.Fill(0, 1.5)
	keys.Fill(1, 2.5)
	values.Fill(0, 10)
	values.Fill(1, 20)

	_, err := session.StoreForLayer(0, keys, values)
	require.NoError(t, err)

	gotK, gotV := session.RetrieveForLayer(0, -1)
	assert.Equal(t, Float16, gotK.DType())
	assert.Equal(t, float32(1.5), gotK.At(0, 0, 0, 0))
	assert.Equal(t, float32(2.5), gotK.At(0, 0, 1, 3))
	assert.Equal(t, float32(20), gotV.At(0, 0, 1, 0))
}
