package pktbuf

import (
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"firestige.xyz/netcore/internal/core"
)

// Block is one fixed-capacity region of a buffer chain. Bytes in use are
// payload[data : data+size]; the rest is head room before and tail room
// after.
type Block struct {
	payload []byte
	data    int
	size    int
}

func (b *Block) headRoom() int { return b.data }
func (b *Block) tailRoom() int { return len(b.payload) - b.data - b.size }
func (b *Block) used() []byte  { return b.payload[b.data : b.data+b.size] }

// BlockInfo describes one block of a chain.
type BlockInfo struct {
	HeadRoom int
	Size     int
	TailRoom int
}

// Buffer is a logical byte sequence stored in a chain of blocks.
type Buffer struct {
	eng    *Engine
	blocks []*Block
	total  int
	ref    atomic.Int32

	// cursor
	pos int
	blk int
	off int
}

func (b *Buffer) live() {
	if b.ref.Load() <= 0 {
		panic("pktbuf: use of released buffer")
	}
}

// TotalSize is the number of bytes in the buffer.
func (b *Buffer) TotalSize() int { return b.total }

// BlockCount is the number of blocks in the chain.
func (b *Buffer) BlockCount() int { return len(b.blocks) }

// Ref is the current reference count.
func (b *Buffer) Ref() int { return int(b.ref.Load()) }

// Data returns the bytes of the first block. After SetContiguous(n) the
// first n bytes of the buffer are in it.
func (b *Buffer) Data() []byte {
	b.live()
	if len(b.blocks) == 0 {
		return nil
	}
	return b.blocks[0].used()
}

// Bytes copies the whole content out without touching the cursor.
func (b *Buffer) Bytes() []byte {
	b.live()
	out := make([]byte, 0, b.total)
	for _, blk := range b.blocks {
		out = append(out, blk.used()...)
	}
	return out
}

// AddHeader prepends size bytes. When the first block lacks head room a
// contiguous header gets one fresh block of exactly size bytes; a
// non-contiguous one uses up the head room and prepends tail-filled blocks
// for the rest. New bytes are uninitialised.
func (b *Buffer) AddHeader(size int, contiguous bool) error {
	b.live()
	if size < 0 {
		return fmt.Errorf("%w: header size %d", core.ErrParam, size)
	}
	if size == 0 {
		return nil
	}
	if contiguous && size > b.eng.cfg.BlockSize {
		return fmt.Errorf("%w: contiguous header %d exceeds block size %d", core.ErrSize, size, b.eng.cfg.BlockSize)
	}

	if len(b.blocks) > 0 {
		first := b.blocks[0]
		if size <= first.headRoom() {
			first.data -= size
			first.size += size
			b.total += size
			b.ResetCursor()
			b.verify("add_header")
			return nil
		}
	}

	need := size
	if !contiguous && len(b.blocks) > 0 {
		need -= b.blocks[0].headRoom()
	}
	chain, err := b.eng.allocChain(need, true)
	if err != nil {
		return err
	}

	if need != size {
		first := b.blocks[0]
		first.size += first.data
		first.data = 0
	}
	b.blocks = slices.Insert(b.blocks, 0, chain...)
	b.total += size
	b.ResetCursor()
	b.verify("add_header")
	return nil
}

// RemoveHeader strips size bytes from the front, freeing blocks it empties.
func (b *Buffer) RemoveHeader(size int) error {
	b.live()
	if size < 0 {
		return fmt.Errorf("%w: header size %d", core.ErrParam, size)
	}
	if size > b.total {
		return fmt.Errorf("%w: remove %d from %d bytes", core.ErrSize, size, b.total)
	}

	b.total -= size
	drop := 0
	for size > 0 {
		blk := b.blocks[drop]
		if size < blk.size {
			blk.data += size
			blk.size -= size
			break
		}
		size -= blk.size
		b.eng.freeBlock(blk)
		drop++
	}
	b.blocks = slices.Delete(b.blocks, 0, drop)

	b.ResetCursor()
	b.verify("remove_header")
	return nil
}

// Resize sets the total size. Growth fills the last block's tail room and
// then appends blocks; the added bytes are uninitialised. Shrinking frees
// every block past the new end.
func (b *Buffer) Resize(size int) error {
	b.live()
	if size < 0 {
		return fmt.Errorf("%w: resize to %d", core.ErrParam, size)
	}
	if size == b.total {
		return nil
	}

	switch {
	case b.total == 0:
		chain, err := b.eng.allocChain(size, false)
		if err != nil {
			return err
		}
		b.freeBlocks(0)
		b.blocks = append(b.blocks, chain...)
		b.total = size

	case size == 0:
		b.freeBlocks(0)
		b.total = 0

	case size > b.total:
		tail := b.blocks[len(b.blocks)-1]
		inc := size - b.total
		room := tail.tailRoom()
		if room >= inc {
			tail.size += inc
		} else {
			chain, err := b.eng.allocChain(inc-room, false)
			if err != nil {
				return err
			}
			tail.size += room
			b.blocks = append(b.blocks, chain...)
		}
		b.total = size

	default:
		acc, i := 0, 0
		for ; i < len(b.blocks); i++ {
			acc += b.blocks[i].size
			if acc >= size {
				break
			}
		}
		if i == len(b.blocks) {
			return fmt.Errorf("%w: resize target %d beyond chain of %d", core.ErrSize, size, acc)
		}
		b.blocks[i].size -= acc - size
		b.freeBlocks(i + 1)
		b.total = size
	}

	b.ResetCursor()
	b.verify("resize")
	return nil
}

// freeBlocks releases blocks[from:] and truncates the chain.
func (b *Buffer) freeBlocks(from int) {
	for _, blk := range b.blocks[from:] {
		b.eng.freeBlock(blk)
	}
	clear(b.blocks[from:])
	b.blocks = b.blocks[:from]
}

// Join appends src's blocks to b and drops the caller's reference to src.
// src must not be used afterwards.
func (b *Buffer) Join(src *Buffer) error {
	b.live()
	src.live()
	if src == b || src.eng != b.eng {
		return fmt.Errorf("%w: join source", core.ErrParam)
	}

	b.blocks = append(b.blocks, src.blocks...)
	b.total += src.total
	clear(src.blocks)
	src.blocks = src.blocks[:0]
	src.total = 0
	src.Free()

	b.ResetCursor()
	b.verify("join")
	return nil
}

// SetContiguous makes the first size bytes live in the first block by
// pulling bytes forward from the blocks behind it.
func (b *Buffer) SetContiguous(size int) error {
	b.live()
	if size < 0 {
		return fmt.Errorf("%w: contiguous size %d", core.ErrParam, size)
	}
	if size > b.total || size > b.eng.cfg.BlockSize {
		return fmt.Errorf("%w: contiguous %d (total %d, block %d)", core.ErrSize, size, b.total, b.eng.cfg.BlockSize)
	}

	b.ResetCursor()
	if size == 0 {
		return nil
	}
	first := b.blocks[0]
	need := size - first.size
	if need <= 0 {
		return nil
	}

	if first.tailRoom() < need {
		copy(first.payload, first.used())
		first.data = 0
	}

	next := 1
	for need > 0 {
		blk := b.blocks[next]
		n := min(need, blk.size)
		copy(first.payload[first.data+first.size:], blk.payload[blk.data:blk.data+n])
		first.size += n
		blk.data += n
		blk.size -= n
		need -= n
		if blk.size == 0 {
			b.eng.freeBlock(blk)
			next++
		}
	}
	b.blocks = slices.Delete(b.blocks, 1, next)

	b.verify("set_contiguous")
	return nil
}

// IncRef adds a holder.
func (b *Buffer) IncRef() {
	b.live()
	b.ref.Add(1)
}

// Free drops one reference. The last one returns every block and the
// buffer itself to the engine.
func (b *Buffer) Free() {
	n := b.ref.Add(-1)
	if n < 0 {
		panic("pktbuf: free of released buffer")
	}
	if n > 0 {
		return
	}

	eng := b.eng
	b.freeBlocks(0)
	b.total = 0
	b.ResetCursor()
	eng.bufs.Free(b)
}

// Layout reports head room, size and tail room of every block.
func (b *Buffer) Layout() []BlockInfo {
	out := make([]BlockInfo, len(b.blocks))
	for i, blk := range b.blocks {
		out[i] = BlockInfo{HeadRoom: blk.headRoom(), Size: blk.size, TailRoom: blk.tailRoom()}
	}
	return out
}

// Check verifies that every block accounts for exactly one block size and
// that the block sizes sum to TotalSize.
func (b *Buffer) Check() error {
	bs := b.eng.cfg.BlockSize
	sum := 0
	for i, blk := range b.blocks {
		if len(blk.payload) != bs || blk.data < 0 || blk.size <= 0 || blk.tailRoom() < 0 {
			return fmt.Errorf("%w: bad block %d: head %d size %d tail %d", core.ErrSize, i, blk.headRoom(), blk.size, blk.tailRoom())
		}
		if blk.headRoom()+blk.size+blk.tailRoom() != bs {
			return fmt.Errorf("%w: block %d does not sum to %d", core.ErrSize, i, bs)
		}
		sum += blk.size
	}
	if sum != b.total {
		return fmt.Errorf("%w: blocks hold %d bytes, total says %d", core.ErrSize, sum, b.total)
	}
	if b.pos < 0 || b.pos > b.total {
		return fmt.Errorf("%w: cursor %d outside %d", core.ErrSize, b.pos, b.total)
	}
	return nil
}

func (b *Buffer) verify(op string) {
	if !b.eng.cfg.Debug {
		return
	}
	if err := b.Check(); err != nil {
		b.eng.log.Error("packet buffer corrupted", "op", op, "error", err, "buffer", b)
		panic(err)
	}
	b.eng.log.Debug("check buf", "op", op, "buffer", b)
}

// LogValue renders the chain layout for structured logs.
func (b *Buffer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int("total", b.total),
		slog.Int("ref", b.Ref()),
	}
	for i, info := range b.Layout() {
		attrs = append(attrs, slog.String(fmt.Sprintf("blk%d", i),
			fmt.Sprintf("pre=%d used=%d free=%d", info.HeadRoom, info.Size, info.TailRoom)))
	}
	return slog.GroupValue(attrs...)
}
