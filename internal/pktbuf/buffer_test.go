package pktbuf

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/netcore/internal/core"
)

func newEngine(t *testing.T, blockSize, blocks, bufs int) *Engine {
	t.Helper()
	e, err := NewEngine(Config{
		BlockSize:   blockSize,
		BlockCount:  blocks,
		BufferCount: bufs,
		Debug:       true,
	})
	require.NoError(t, err)
	return e
}

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i*7 + 3)
	}
	return p
}

func allocWith(t *testing.T, e *Engine, data []byte) *Buffer {
	t.Helper()
	b, err := e.Alloc(len(data))
	require.NoError(t, err)
	require.NoError(t, b.Write(data))
	b.ResetCursor()
	return b
}

func TestNewEngineRejectsBadConfig(t *testing.T) {
	_, err := NewEngine(Config{BlockSize: 0, BlockCount: 1, BufferCount: 1})
	assert.True(t, errors.Is(err, core.ErrParam))

	_, err = NewEngine(Config{BlockSize: 64, BlockCount: 0, BufferCount: 1})
	assert.True(t, errors.Is(err, core.ErrParam))
}

func TestAllocFillsFromTail(t *testing.T) {
	e := newEngine(t, 128, 10, 4)

	b, err := e.Alloc(300)
	require.NoError(t, err)
	defer b.Free()

	assert.Equal(t, 300, b.TotalSize())
	assert.Equal(t, 1, b.Ref())
	assert.Equal(t, 0, b.Pos())
	assert.Equal(t, []BlockInfo{{84, 44, 0}, {0, 128, 0}, {0, 128, 0}}, b.Layout())
	assert.Equal(t, 7, e.FreeBlocks())
	assert.Equal(t, 3, e.FreeBuffers())
}

func TestAllocEmptyAndInvalid(t *testing.T) {
	e := newEngine(t, 128, 4, 4)

	b, err := e.Alloc(0)
	require.NoError(t, err)
	assert.Equal(t, 0, b.TotalSize())
	assert.Equal(t, 0, b.BlockCount())
	assert.Nil(t, b.Data())
	b.Free()

	_, err = e.Alloc(-1)
	assert.True(t, errors.Is(err, core.ErrParam))
}

func TestAllocOutOfBlocksReleasesEverything(t *testing.T) {
	e := newEngine(t, 128, 2, 2)

	_, err := e.Alloc(300)
	assert.True(t, errors.Is(err, core.ErrOutOfMemory))
	assert.Equal(t, 2, e.FreeBlocks())
	assert.Equal(t, 2, e.FreeBuffers())

	a, err := e.Alloc(1)
	require.NoError(t, err)
	b, err := e.Alloc(1)
	require.NoError(t, err)
	_, err = e.Alloc(0)
	assert.True(t, errors.Is(err, core.ErrOutOfMemory), "buffer pool exhausted")
	a.Free()
	b.Free()
}

func TestAddHeader(t *testing.T) {
	e := newEngine(t, 128, 10, 4)

	t.Run("head room", func(t *testing.T) {
		b, err := e.Alloc(100)
		require.NoError(t, err)
		defer b.Free()

		require.NoError(t, b.AddHeader(20, true))
		assert.Equal(t, []BlockInfo{{8, 120, 0}}, b.Layout())
		assert.Equal(t, 120, b.TotalSize())

		require.NoError(t, b.AddHeader(20, true))
		assert.Equal(t, []BlockInfo{{108, 20, 0}, {8, 120, 0}}, b.Layout())
		assert.Equal(t, 140, b.TotalSize())
		assert.Len(t, b.Data(), 20)
	})

	t.Run("non contiguous uses head room first", func(t *testing.T) {
		b, err := e.Alloc(100)
		require.NoError(t, err)
		defer b.Free()

		require.NoError(t, b.AddHeader(200, false))
		assert.Equal(t, []BlockInfo{{84, 44, 0}, {0, 128, 0}, {0, 128, 0}}, b.Layout())
		assert.Equal(t, 300, b.TotalSize())
	})

	t.Run("contiguous too large", func(t *testing.T) {
		b, err := e.Alloc(100)
		require.NoError(t, err)
		defer b.Free()

		err = b.AddHeader(129, true)
		assert.True(t, errors.Is(err, core.ErrSize))
		assert.Equal(t, []BlockInfo{{28, 100, 0}}, b.Layout())
	})

	t.Run("empty chain", func(t *testing.T) {
		b, err := e.Alloc(0)
		require.NoError(t, err)
		defer b.Free()

		require.NoError(t, b.AddHeader(14, true))
		assert.Equal(t, []BlockInfo{{114, 14, 0}}, b.Layout())
	})

	t.Run("keeps content behind header", func(t *testing.T) {
		data := pattern(100)
		b := allocWith(t, e, data)
		defer b.Free()

		require.NoError(t, b.AddHeader(40, true))
		require.NoError(t, b.SeekTo(40))
		got := make([]byte, 100)
		require.NoError(t, b.Read(got))
		assert.Equal(t, data, got)
	})
}

func TestAddHeaderOutOfMemoryLeavesBufferUnchanged(t *testing.T) {
	e := newEngine(t, 128, 1, 2)

	b, err := e.Alloc(128)
	require.NoError(t, err)
	defer b.Free()

	err = b.AddHeader(10, true)
	assert.True(t, errors.Is(err, core.ErrOutOfMemory))
	err = b.AddHeader(10, false)
	assert.True(t, errors.Is(err, core.ErrOutOfMemory))
	assert.Equal(t, []BlockInfo{{0, 128, 0}}, b.Layout())
	assert.Equal(t, 128, b.TotalSize())
}

func TestRemoveHeader(t *testing.T) {
	e := newEngine(t, 128, 10, 4)

	data := pattern(300)
	b := allocWith(t, e, data)
	defer b.Free()

	require.NoError(t, b.RemoveHeader(50))
	assert.Equal(t, []BlockInfo{{6, 122, 0}, {0, 128, 0}}, b.Layout())
	assert.Equal(t, 250, b.TotalSize())
	assert.Equal(t, 8, e.FreeBlocks())
	assert.Equal(t, data[50:], b.Bytes())

	err := b.RemoveHeader(251)
	assert.True(t, errors.Is(err, core.ErrSize))
	assert.Equal(t, 250, b.TotalSize())

	require.NoError(t, b.RemoveHeader(250))
	assert.Equal(t, 0, b.BlockCount())
	assert.Equal(t, 10, e.FreeBlocks())
}

func TestResize(t *testing.T) {
	e := newEngine(t, 128, 10, 4)

	b, err := e.Alloc(100)
	require.NoError(t, err)
	defer b.Free()

	require.NoError(t, b.Resize(100))
	assert.Equal(t, []BlockInfo{{28, 100, 0}}, b.Layout())

	require.NoError(t, b.Resize(300))
	assert.Equal(t, []BlockInfo{{28, 100, 0}, {0, 128, 0}, {0, 72, 56}}, b.Layout())

	require.NoError(t, b.Resize(250))
	assert.Equal(t, []BlockInfo{{28, 100, 0}, {0, 128, 0}, {0, 22, 106}}, b.Layout())

	require.NoError(t, b.Resize(120))
	assert.Equal(t, []BlockInfo{{28, 100, 0}, {0, 20, 108}}, b.Layout())
	assert.Equal(t, 8, e.FreeBlocks())

	require.NoError(t, b.Resize(0))
	assert.Equal(t, 0, b.BlockCount())
	assert.Equal(t, 10, e.FreeBlocks())

	require.NoError(t, b.Resize(77))
	assert.Equal(t, []BlockInfo{{0, 77, 51}}, b.Layout())

	require.NoError(t, b.Resize(100))
	assert.Equal(t, []BlockInfo{{0, 100, 28}}, b.Layout())

	assert.True(t, errors.Is(b.Resize(-1), core.ErrParam))
}

func TestResizeFromZeroAnySize(t *testing.T) {
	e := newEngine(t, 64, 40, 2)

	for _, k := range []int{1, 63, 64, 65, 640, 1000} {
		b, err := e.Alloc(10)
		require.NoError(t, err)
		require.NoError(t, b.Resize(0))
		require.NoError(t, b.Resize(k))
		assert.Equal(t, k, b.TotalSize())
		assert.NoError(t, b.Check())
		b.Free()
		assert.Equal(t, 40, e.FreeBlocks())
	}
}

func TestResizeOutOfMemory(t *testing.T) {
	e := newEngine(t, 128, 2, 2)

	b, err := e.Alloc(100)
	require.NoError(t, err)
	defer b.Free()

	err = b.Resize(400)
	assert.True(t, errors.Is(err, core.ErrOutOfMemory))
	assert.Equal(t, []BlockInfo{{28, 100, 0}}, b.Layout())
	assert.Equal(t, 1, e.FreeBlocks())
}

func TestJoinAndSetContiguous(t *testing.T) {
	e := newEngine(t, 128, 100, 10)

	first := pattern(689)
	second := pattern(892)
	a := allocWith(t, e, first)
	b := allocWith(t, e, second)

	require.NoError(t, a.Join(b))
	defer a.Free()

	assert.Equal(t, 1581, a.TotalSize())
	assert.Equal(t, 13, a.BlockCount())
	assert.Equal(t, 9, e.FreeBuffers())
	want := append(append([]byte{}, first...), second...)
	assert.Equal(t, want, a.Bytes())

	err := a.SetContiguous(1581)
	assert.True(t, errors.Is(err, core.ErrSize))
	err = a.SetContiguous(129)
	assert.True(t, errors.Is(err, core.ErrSize))

	require.NoError(t, a.SetContiguous(128))
	assert.Equal(t, BlockInfo{0, 128, 0}, a.Layout()[0])
	assert.Equal(t, want[:128], a.Data())
	assert.Equal(t, want, a.Bytes())
	assert.Equal(t, 1581, a.TotalSize())
	assert.NoError(t, a.Check())
}

func TestSetContiguousFreesDrainedBlocks(t *testing.T) {
	e := newEngine(t, 32, 10, 4)

	a := allocWith(t, e, pattern(4))
	require.NoError(t, a.Join(allocWith(t, e, pattern(4))))
	require.NoError(t, a.Join(allocWith(t, e, pattern(30))))
	defer a.Free()
	want := a.Bytes()
	require.Equal(t, []BlockInfo{{28, 4, 0}, {28, 4, 0}, {2, 30, 0}}, a.Layout())

	require.NoError(t, a.SetContiguous(20))
	assert.Equal(t, []BlockInfo{{0, 20, 12}, {14, 18, 0}}, a.Layout())
	assert.Equal(t, want, a.Bytes())
	assert.Equal(t, 8, e.FreeBlocks())

	require.NoError(t, a.SetContiguous(10))
	assert.Equal(t, []BlockInfo{{0, 20, 12}, {14, 18, 0}}, a.Layout())
}

func TestJoinRejectsSelfAndForeign(t *testing.T) {
	e := newEngine(t, 64, 4, 4)
	other := newEngine(t, 64, 4, 4)

	a, err := e.Alloc(10)
	require.NoError(t, err)
	defer a.Free()
	b, err := other.Alloc(10)
	require.NoError(t, err)
	defer b.Free()

	assert.True(t, errors.Is(a.Join(a), core.ErrParam))
	assert.True(t, errors.Is(a.Join(b), core.ErrParam))
}

func TestRefCounting(t *testing.T) {
	e := newEngine(t, 128, 10, 4)

	data := pattern(300)
	b := allocWith(t, e, data)
	b.IncRef()
	assert.Equal(t, 2, b.Ref())

	b.Free()
	assert.Equal(t, 1, b.Ref())
	assert.Equal(t, data, b.Bytes())
	assert.Equal(t, 7, e.FreeBlocks())

	b.Free()
	assert.Equal(t, 10, e.FreeBlocks())
	assert.Equal(t, 4, e.FreeBuffers())

	assert.Panics(t, func() { b.Read(make([]byte, 1)) })
	assert.Panics(t, func() { b.Free() })
}

func TestCheckDetectsCorruption(t *testing.T) {
	e := newEngine(t, 128, 4, 2)

	b, err := e.Alloc(200)
	require.NoError(t, err)
	require.NoError(t, b.Check())

	b.total++
	assert.True(t, errors.Is(b.Check(), core.ErrSize))
	assert.Panics(t, func() { b.RemoveHeader(0) })

	b.total--
	b.blocks[1].data = 100
	assert.Error(t, b.Check())
	b.blocks[1].data = 0
	b.Free()
}

func TestStructuralOpsResetCursor(t *testing.T) {
	e := newEngine(t, 128, 10, 4)

	b, err := e.Alloc(200)
	require.NoError(t, err)
	defer b.Free()

	ops := []func() error{
		func() error { return b.AddHeader(4, true) },
		func() error { return b.RemoveHeader(4) },
		func() error { return b.Resize(300) },
		func() error { return b.SetContiguous(64) },
	}
	for _, op := range ops {
		require.NoError(t, b.SeekTo(50))
		require.NoError(t, op())
		assert.Equal(t, 0, b.Pos())
	}
}

func TestSizeInvariantUnderRandomOps(t *testing.T) {
	e := newEngine(t, 64, 200, 20)
	rng := rand.New(rand.NewSource(1))

	b, err := e.Alloc(100)
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		switch rng.Intn(5) {
		case 0:
			_ = b.AddHeader(rng.Intn(80), rng.Intn(2) == 0)
		case 1:
			_ = b.RemoveHeader(rng.Intn(b.TotalSize() + 1))
		case 2:
			_ = b.Resize(rng.Intn(1500))
		case 3:
			if src, err := e.Alloc(rng.Intn(300)); err == nil {
				require.NoError(t, b.Join(src))
			}
		case 4:
			_ = b.SetContiguous(rng.Intn(min(b.TotalSize(), 64) + 1))
		}
		require.NoError(t, b.Check())
		sum := 0
		for _, info := range b.Layout() {
			assert.Equal(t, 64, info.HeadRoom+info.Size+info.TailRoom)
			sum += info.Size
		}
		require.Equal(t, b.TotalSize(), sum)
		require.Equal(t, 200, e.FreeBlocks()+b.BlockCount())
	}

	b.Free()
	assert.Equal(t, 200, e.FreeBlocks())
	assert.Equal(t, 20, e.FreeBuffers())
}

func TestLogValue(t *testing.T) {
	e := newEngine(t, 128, 4, 2)
	b, err := e.Alloc(130)
	require.NoError(t, err)
	defer b.Free()

	attrs := b.LogValue().Group()
	require.Len(t, attrs, 4)
	assert.Equal(t, "blk0", attrs[2].Key)
	assert.Equal(t, "pre=126 used=2 free=0", attrs[2].Value.String())
}
