package capture

// AllProcessThreadsTID is the thread id reserved for the process wide summary. Real thread
// ids are positive.
const AllProcessThreadsTID int32 = -1

// UnknownName is returned for addresses no symbol information covers
const UnknownName = "unknown"

// Oracle answers address questions about a finished capture. Implementations must be safe
// for concurrent use and must not change while a capture is post-processed.
type Oracle interface {
	// FindFunction returns the function containing absoluteAddress, if it is known
	FindFunction(absoluteAddress uint64) (FunctionInfo, bool)
	// FunctionAbsoluteAddress returns the absolute start address of f
	FunctionAbsoluteAddress(f FunctionInfo) uint64
	// FindAddressInfo returns the symbol information collected for exactly absoluteAddress
	FindAddressInfo(absoluteAddress uint64) (AddressInfo, bool)
	FunctionNameByAddress(absoluteAddress uint64) string
	ModulePathByAddress(absoluteAddress uint64) string
	// SummaryThreadID is the thread id under which the all-threads summary is stored
	SummaryThreadID() int32
}

// FunctionInfo describes a function of a loaded module
type FunctionInfo struct {
	Name              string
	ModulePath        string
	ModuleBaseAddress uint64
	Offset            uint64 // start of the function relative to ModuleBaseAddress
	Size              uint64
}

// AddressInfo is the symbol information resolved for one sampled address
type AddressInfo struct {
	AbsoluteAddress  uint64
	OffsetInFunction uint64
	FunctionName     string
	ModulePath       string
}

// ModuleInfo is a module mapped into the traced process at [Start, End)
type ModuleInfo struct {
	Path  string
	Start uint64
	End   uint64
}

// Stats are the capture level key/value pairs of Stats.txt
type Stats struct {
	Process  string
	Pid      int32
	Date     string
	Duration string
}

// Thread names a thread of the traced process
type Thread struct {
	ID   int32
	Name string
}
