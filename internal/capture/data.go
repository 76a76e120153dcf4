package capture

import (
	"cmp"
	"slices"
	"sort"
	"sync"
)

// Data is the in-memory Oracle of a capture. Symbol information may be added while the
// capture is recorded; it must be complete before post-processing starts.
type Data struct {
	mu sync.RWMutex

	functions    []FunctionInfo // sorted by absolute start address
	addressInfos map[uint64]AddressInfo
	modules      []ModuleInfo // sorted by Start

	summaryTID int32
}

var _ Oracle = (*Data)(nil)

type DataOption func(*Data)

// WithSummaryThreadID overrides AllProcessThreadsTID as the summary bucket id
func WithSummaryThreadID(tid int32) DataOption {
	return func(d *Data) { d.summaryTID = tid }
}

func NewData(opts ...DataOption) *Data {
	d := &Data{
		addressInfos: make(map[uint64]AddressInfo),
		summaryTID:   AllProcessThreadsTID,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Data) AddFunction(f FunctionInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	start := d.FunctionAbsoluteAddress(f)
	i, found := slices.BinarySearchFunc(d.functions, start, func(e FunctionInfo, addr uint64) int {
		return cmp.Compare(d.FunctionAbsoluteAddress(e), addr)
	})
	if found {
		d.functions[i] = f
		return
	}
	d.functions = slices.Insert(d.functions, i, f)
}

// AddAddressInfo records symbol information for an exact address. The start of the
// enclosing function is recorded too, so that names can be looked up by function address.
func (d *Data) AddAddressInfo(ai AddressInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addressInfos[ai.AbsoluteAddress] = ai

	start := ai.AbsoluteAddress - ai.OffsetInFunction
	if _, ok := d.addressInfos[start]; !ok {
		d.addressInfos[start] = AddressInfo{
			AbsoluteAddress: start,
			FunctionName:    ai.FunctionName,
			ModulePath:      ai.ModulePath,
		}
	}
}

func (d *Data) AddModule(m ModuleInfo) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := sort.Search(len(d.modules), func(i int) bool { return d.modules[i].Start >= m.Start })
	d.modules = slices.Insert(d.modules, i, m)
}

func (d *Data) FunctionAbsoluteAddress(f FunctionInfo) uint64 {
	return f.ModuleBaseAddress + f.Offset
}

// FindFunction returns the function whose [start, start+size) range contains the address.
// A function of size zero only contains its start address.
func (d *Data) FindFunction(absoluteAddress uint64) (FunctionInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.findFunctionLocked(absoluteAddress)
}

func (d *Data) findFunctionLocked(absoluteAddress uint64) (FunctionInfo, bool) {
	i := sort.Search(len(d.functions), func(i int) bool {
		return d.FunctionAbsoluteAddress(d.functions[i]) > absoluteAddress
	})
	if i == 0 {
		return FunctionInfo{}, false
	}
	f := d.functions[i-1]
	start := d.FunctionAbsoluteAddress(f)
	if absoluteAddress == start || absoluteAddress-start < f.Size {
		return f, true
	}
	return FunctionInfo{}, false
}

func (d *Data) FindAddressInfo(absoluteAddress uint64) (AddressInfo, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ai, ok := d.addressInfos[absoluteAddress]
	return ai, ok
}

func (d *Data) FunctionNameByAddress(absoluteAddress uint64) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if f, ok := d.findFunctionLocked(absoluteAddress); ok && f.Name != "" {
		return f.Name
	}
	if ai, ok := d.addressInfos[absoluteAddress]; ok && ai.FunctionName != "" {
		return ai.FunctionName
	}
	return UnknownName
}

func (d *Data) ModulePathByAddress(absoluteAddress uint64) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if f, ok := d.findFunctionLocked(absoluteAddress); ok && f.ModulePath != "" {
		return f.ModulePath
	}
	if ai, ok := d.addressInfos[absoluteAddress]; ok && ai.ModulePath != "" {
		return ai.ModulePath
	}
	if m, ok := d.findModuleLocked(absoluteAddress); ok {
		return m.Path
	}
	return UnknownName
}

func (d *Data) findModuleLocked(absoluteAddress uint64) (ModuleInfo, bool) {
	i := sort.Search(len(d.modules), func(i int) bool { return d.modules[i].Start > absoluteAddress })
	if i == 0 {
		return ModuleInfo{}, false
	}
	if m := d.modules[i-1]; absoluteAddress < m.End {
		return m, true
	}
	return ModuleInfo{}, false
}

func (d *Data) SummaryThreadID() int32 { return d.summaryTID }

// Functions returns a copy of the known functions sorted by start address
func (d *Data) Functions() []FunctionInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.functions)
}

// Modules returns a copy of the known modules sorted by start address
func (d *Data) Modules() []ModuleInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.modules)
}

func (d *Data) AddressInfosCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.addressInfos)
}
