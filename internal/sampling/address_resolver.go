package sampling

import (
	"slices"

	"github.com/samber/lo"

	"sampling-mcp/internal/capture"
)

// AddressResolver maps sampled addresses to the start address of their function. Results
// are memoized for the lifetime of the resolver, which is a single post-processing run.
type AddressResolver struct {
	oracle capture.Oracle

	functionAddress map[uint64]uint64
	exactAddresses  map[uint64]map[uint64]struct{}
}

func NewAddressResolver(oracle capture.Oracle) *AddressResolver {
	return &AddressResolver{
		oracle:          oracle,
		functionAddress: make(map[uint64]uint64),
		exactAddresses:  make(map[uint64]map[uint64]struct{}),
	}
}

// Resolve returns the function start of addr. A known function wins over address info;
// without either, the address is its own function.
func (r *AddressResolver) Resolve(addr uint64) uint64 {
	if fa, ok := r.functionAddress[addr]; ok {
		return fa
	}

	fa := addr
	if f, ok := r.oracle.FindFunction(addr); ok {
		fa = r.oracle.FunctionAbsoluteAddress(f)
	} else if ai, ok := r.oracle.FindAddressInfo(addr); ok {
		fa = addr - ai.OffsetInFunction
	}

	r.functionAddress[addr] = fa
	exact, ok := r.exactAddresses[fa]
	if !ok {
		exact = make(map[uint64]struct{})
		r.exactAddresses[fa] = exact
	}
	exact[addr] = struct{}{}
	return fa
}

// ExactAddresses returns, sorted, the addresses resolved so far to the function at fa
func (r *AddressResolver) ExactAddresses(fa uint64) []uint64 {
	addrs := lo.Keys(r.exactAddresses[fa])
	slices.Sort(addrs)
	return addrs
}

// functionToExactAddresses hands the collected index over to the result.
func (r *AddressResolver) functionToExactAddresses() map[uint64][]uint64 {
	out := make(map[uint64][]uint64, len(r.exactAddresses))
	for fa := range r.exactAddresses {
		out[fa] = r.ExactAddresses(fa)
	}
	return out
}
