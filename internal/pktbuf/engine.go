// Package pktbuf implements packet buffers built from chained fixed-size
// blocks, with header prepend/strip, resize, join and a random-access
// cursor. Buffers are reference counted; the last Free returns every
// block to the engine.
//
// Structural operations are not synchronised. A buffer is owned by one
// goroutine at a time; only the reference count may be touched
// concurrently.
package pktbuf

import (
	"fmt"
	"log/slog"
	"time"

	"firestige.xyz/netcore/internal/core"
	"firestige.xyz/netcore/internal/mblock"
)

// Config sizes the engine pools.
type Config struct {
	BlockSize    int
	BlockCount   int
	BufferCount  int
	AllocTimeout time.Duration // core.NoWait, core.Forever or a deadline
	Debug        bool          // verify chain integrity after every structural op
}

// DefaultConfig mirrors the stack's compiled-in pool sizes.
func DefaultConfig() Config {
	return Config{
		BlockSize:   128,
		BlockCount:  100,
		BufferCount: 100,
	}
}

// Engine owns the block and buffer pools.
type Engine struct {
	cfg    Config
	blocks *mblock.Pool[Block]
	bufs   *mblock.Pool[Buffer]
	log    *slog.Logger
}

// NewEngine preallocates all block payloads out of one slab.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.BlockSize <= 0 {
		return nil, fmt.Errorf("%w: block size %d", core.ErrParam, cfg.BlockSize)
	}

	slab := make([]byte, cfg.BlockSize*max(cfg.BlockCount, 0))
	next := 0
	blocks, err := mblock.New("pktblock", cfg.BlockCount, mblock.LockThread, func(b *Block) {
		lo, hi := next*cfg.BlockSize, (next+1)*cfg.BlockSize
		b.payload = slab[lo:hi:hi]
		next++
	})
	if err != nil {
		return nil, fmt.Errorf("block pool: %w", err)
	}

	bufs, err := mblock.New[Buffer]("pktbuf", cfg.BufferCount, mblock.LockThread, nil)
	if err != nil {
		return nil, fmt.Errorf("buffer pool: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		blocks: blocks,
		bufs:   bufs,
		log:    slog.Default().With("component", "pktbuf"),
	}
	e.log.Debug("pktbuf engine ready",
		"block_size", cfg.BlockSize, "blocks", cfg.BlockCount, "buffers", cfg.BufferCount)
	return e, nil
}

// Alloc returns a buffer of size bytes with ref 1. Blocks are filled from
// the tail backward so the first block keeps head room for headers.
func (e *Engine) Alloc(size int) (*Buffer, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: alloc size %d", core.ErrParam, size)
	}

	b, err := e.bufs.Alloc(e.cfg.AllocTimeout)
	if err != nil {
		e.log.Warn("no free packet buffer", "size", size)
		return nil, err
	}
	b.eng = e
	b.blocks = b.blocks[:0]
	b.total = 0
	b.ref.Store(1)
	b.ResetCursor()

	if size > 0 {
		chain, err := e.allocChain(size, true)
		if err != nil {
			e.bufs.Free(b)
			return nil, err
		}
		b.blocks = append(b.blocks, chain...)
		b.total = size
	}

	b.verify("alloc")
	return b, nil
}

// allocChain allocates blocks holding size bytes. tailFill pushes data to
// the block end with the partial block first; otherwise data starts at
// the block beginning with the partial block last. On failure nothing
// stays allocated.
func (e *Engine) allocChain(size int, tailFill bool) ([]*Block, error) {
	bs := e.cfg.BlockSize
	n := (size + bs - 1) / bs
	chain := make([]*Block, 0, n)

	for i := 0; i < n; i++ {
		blk, err := e.blocks.Alloc(e.cfg.AllocTimeout)
		if err != nil {
			for _, done := range chain {
				e.blocks.Free(done)
			}
			e.log.Warn("no free packet blocks", "want", n, "got", len(chain))
			return nil, err
		}
		chain = append(chain, blk)
	}

	rem := size - (n-1)*bs
	for i, blk := range chain {
		switch {
		case tailFill && i == 0:
			blk.data, blk.size = bs-rem, rem
		case !tailFill && i == n-1:
			blk.data, blk.size = 0, rem
		default:
			blk.data, blk.size = 0, bs
		}
	}
	return chain, nil
}

func (e *Engine) freeBlock(blk *Block) {
	blk.data, blk.size = 0, 0
	e.blocks.Free(blk)
}

// BlockSize is the payload capacity of every block.
func (e *Engine) BlockSize() int { return e.cfg.BlockSize }

// FreeBlocks reports how many blocks are unallocated.
func (e *Engine) FreeBlocks() int { return e.blocks.FreeCount() }

// FreeBuffers reports how many buffer objects are unallocated.
func (e *Engine) FreeBuffers() int { return e.bufs.FreeCount() }

// BlockCount is the total block pool size.
func (e *Engine) BlockCount() int { return e.blocks.Capacity() }

// BufferCount is the total buffer pool size.
func (e *Engine) BufferCount() int { return e.bufs.Capacity() }
