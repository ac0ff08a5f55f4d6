package afpacket

import (
	"fmt"
)

// recomputeSize picks ring geometry that satisfies PACKET_MMAP alignment:
// frames are multiples of TPACKET_ALIGNMENT, blocks are multiples of both
// the page size and the frame size, and blockSize*numBlocks approximates
// the requested ring size.
func recomputeSize(ringBufferSizeMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	const tpacketAlignment = 16
	const tpacketHdrLen = 52

	if ringBufferSizeMB <= 0 {
		return 0, 0, 0, fmt.Errorf("ring buffer size must be positive, got %d MB", ringBufferSizeMB)
	}
	if snapLen <= 0 {
		return 0, 0, 0, fmt.Errorf("snap length must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return 0, 0, 0, fmt.Errorf("page size must be a positive multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	frameSize = alignUp(tpacketHdrLen+snapLen, tpacketAlignment)
	blockSize = lcm(pageSize, frameSize)
	numBlocks = max((ringBufferSizeMB<<20)/blockSize, 1)
	return frameSize, blockSize, numBlocks, nil
}

func alignUp(n, to int) int {
	return (n + to - 1) / to * to
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}
