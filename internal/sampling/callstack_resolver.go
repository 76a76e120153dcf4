package sampling

import (
	"encoding/binary"
	"slices"

	"github.com/cespare/xxhash/v2"

	"sampling-mcp/internal/callstack"
)

// CallstackResolver rewrites every complete unique callstack of a store into a resolved
// callstack made of function start addresses. Callstacks that resolve to the same frames
// share one resolved callstack, stored under the id of the first of them visited.
type CallstackResolver struct {
	addresses *AddressResolver

	// interned buckets resolved ids by the hash of their frames and type.
	interned             map[uint64][]uint64
	resolved             map[uint64]*callstack.Callstack
	originalToResolved   map[uint64]uint64
	functionToSampledIDs map[uint64]map[uint64]struct{}

	keyBuf []byte
}

func NewCallstackResolver(addresses *AddressResolver) *CallstackResolver {
	return &CallstackResolver{
		addresses:            addresses,
		interned:             make(map[uint64][]uint64),
		resolved:             make(map[uint64]*callstack.Callstack),
		originalToResolved:   make(map[uint64]uint64),
		functionToSampledIDs: make(map[uint64]map[uint64]struct{}),
	}
}

// Resolve walks the unique callstacks of store in ForEachUniqueCallstack order.
func (r *CallstackResolver) Resolve(store *callstack.Store) {
	store.ForEachUniqueCallstack(r.resolveOne)
}

func (r *CallstackResolver) resolveOne(id uint64, cs *callstack.Callstack) {
	if !cs.IsComplete() {
		return
	}

	frames := make([]uint64, len(cs.Frames()))
	for i, addr := range cs.Frames() {
		frames[i] = r.addresses.Resolve(addr)
	}
	for _, fa := range frames {
		ids, ok := r.functionToSampledIDs[fa]
		if !ok {
			ids = make(map[uint64]struct{})
			r.functionToSampledIDs[fa] = ids
		}
		ids[id] = struct{}{}
	}

	h := r.hash(frames, cs.Type())
	for _, rid := range r.interned[h] {
		if rc := r.resolved[rid]; rc.Type() == cs.Type() && slices.Equal(rc.Frames(), frames) {
			r.originalToResolved[id] = rid
			return
		}
	}

	r.interned[h] = append(r.interned[h], id)
	r.resolved[id] = callstack.New(frames, cs.Type())
	r.originalToResolved[id] = id
}

func (r *CallstackResolver) hash(frames []uint64, typ callstack.Type) uint64 {
	r.keyBuf = r.keyBuf[:0]
	for _, f := range frames {
		r.keyBuf = binary.LittleEndian.AppendUint64(r.keyBuf, f)
	}
	r.keyBuf = append(r.keyBuf, byte(typ))
	return xxhash.Sum64(r.keyBuf)
}

// ResolvedID returns the id of the resolved callstack of the sampled callstack id
func (r *CallstackResolver) ResolvedID(id uint64) (uint64, bool) {
	rid, ok := r.originalToResolved[id]
	return rid, ok
}

// ResolvedCallstack returns the resolved callstack stored under rid
func (r *CallstackResolver) ResolvedCallstack(rid uint64) (*callstack.Callstack, bool) {
	rc, ok := r.resolved[rid]
	return rc, ok
}
