package utils

import (
	"fmt"
	"math"

	"golang.org/x/net/bpf"

	"firestige.xyz/netcore/internal/core"
)

const etherTypeOffset = 12

// EtherTypeFilter assembles a socket filter that accepts whole Ethernet
// frames whose EtherType is one of types and drops everything else.
func EtherTypeFilter(types ...uint16) ([]bpf.RawInstruction, error) {
	if len(types) == 0 || len(types) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: %d ether types in filter", core.ErrParam, len(types))
	}

	n := len(types)
	prog := make([]bpf.Instruction, 0, n+3)
	prog = append(prog, bpf.LoadAbsolute{Off: etherTypeOffset, Size: 2})
	for i, t := range types {
		prog = append(prog, bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(t), SkipTrue: uint8(n - i)})
	}
	prog = append(prog,
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: math.MaxUint32},
	)

	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble BPF filter: %w", err)
	}
	return raw, nil
}
