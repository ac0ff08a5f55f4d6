package pktbuf

import (
	"fmt"

	"firestige.xyz/netcore/internal/core"
)

// ResetCursor moves the cursor to offset 0.
func (b *Buffer) ResetCursor() {
	b.pos, b.blk, b.off = 0, 0, 0
}

// Pos is the cursor offset from the start of the buffer.
func (b *Buffer) Pos() int { return b.pos }

// Remaining is the number of bytes between the cursor and the end.
func (b *Buffer) Remaining() int { return b.total - b.pos }

// segment returns the bytes from the cursor to the end of its block.
func (b *Buffer) segment() []byte {
	blk := b.blocks[b.blk]
	return blk.payload[blk.data+b.off : blk.data+blk.size]
}

// advance moves the cursor n bytes forward within the current block,
// stepping to the next block when this one is exhausted.
func (b *Buffer) advance(n int) {
	b.pos += n
	b.off += n
	if b.off == b.blocks[b.blk].size {
		b.blk++
		b.off = 0
	}
}

// walk hands fn consecutive runs covering the next n bytes and advances
// past them. The caller has checked n against Remaining.
func (b *Buffer) walk(n int, fn func(seg []byte)) {
	for n > 0 {
		seg := b.segment()
		if len(seg) > n {
			seg = seg[:n]
		}
		if fn != nil {
			fn(seg)
		}
		b.advance(len(seg))
		n -= len(seg)
	}
}

func (b *Buffer) ensure(n int, op string) error {
	if n < 0 {
		return fmt.Errorf("%w: %s length %d", core.ErrParam, op, n)
	}
	if n > b.Remaining() {
		return fmt.Errorf("%w: %s %d bytes with %d remaining", core.ErrSize, op, n, b.Remaining())
	}
	return nil
}

// SeekTo moves the cursor to offset. Seeking backward restarts from the
// first block.
func (b *Buffer) SeekTo(offset int) error {
	b.live()
	if offset < 0 || offset > b.total {
		return fmt.Errorf("%w: seek %d in %d bytes", core.ErrSize, offset, b.total)
	}
	if offset < b.pos {
		b.ResetCursor()
	}
	b.walk(offset-b.pos, nil)
	return nil
}

// Read fills p from the cursor. Nothing is read unless all of p fits.
func (b *Buffer) Read(p []byte) error {
	b.live()
	if err := b.ensure(len(p), "read"); err != nil {
		return err
	}
	b.walk(len(p), func(seg []byte) {
		p = p[copy(p, seg):]
	})
	return nil
}

// Write stores p at the cursor. Nothing is written unless all of p fits.
func (b *Buffer) Write(p []byte) error {
	b.live()
	if err := b.ensure(len(p), "write"); err != nil {
		return err
	}
	b.walk(len(p), func(seg []byte) {
		p = p[copy(seg, p):]
	})
	return nil
}

// Fill writes n copies of v at the cursor.
func (b *Buffer) Fill(v byte, n int) error {
	b.live()
	if err := b.ensure(n, "fill"); err != nil {
		return err
	}
	b.walk(n, func(seg []byte) {
		for i := range seg {
			seg[i] = v
		}
	})
	return nil
}

// Copy moves n bytes from src's cursor to dst's cursor, advancing both.
func Copy(dst, src *Buffer, n int) error {
	dst.live()
	src.live()
	if dst == src {
		return fmt.Errorf("%w: copy within one buffer", core.ErrParam)
	}
	if n < 0 {
		return fmt.Errorf("%w: copy length %d", core.ErrParam, n)
	}
	if n > dst.Remaining() || n > src.Remaining() {
		return fmt.Errorf("%w: copy %d bytes (dst %d, src %d remaining)", core.ErrSize, n, dst.Remaining(), src.Remaining())
	}

	for n > 0 {
		d, s := dst.segment(), src.segment()
		k := min(len(d), len(s), n)
		copy(d[:k], s[:k])
		dst.advance(k)
		src.advance(k)
		n -= k
	}
	return nil
}
