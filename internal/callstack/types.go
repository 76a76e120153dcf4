package callstack

import (
	"fmt"
	"slices"

	"github.com/pkg/errors"
)

// Type tells how a callstack was obtained and whether it can be trusted
type Type int

const (
	Complete Type = iota
	DwarfUnwindingError
	FramePointerUnwindingError
	InUprobes
	InUserSpaceInstrumentation
	CallstackPatchingFailed
	StackTopForDwarfUnwindingTooSmall
	StackTopDwarfUnwindingError
	Unknown
)

var typeNames = [...]string{
	Complete:                          "Complete",
	DwarfUnwindingError:               "DwarfUnwindingError",
	FramePointerUnwindingError:        "FramePointerUnwindingError",
	InUprobes:                         "InUprobes",
	InUserSpaceInstrumentation:        "InUserSpaceInstrumentation",
	CallstackPatchingFailed:           "CallstackPatchingFailed",
	StackTopForDwarfUnwindingTooSmall: "StackTopForDwarfUnwindingTooSmall",
	StackTopDwarfUnwindingError:       "StackTopDwarfUnwindingError",
	Unknown:                           "Unknown",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("Type(%d)", int(t))
	}
	return typeNames[t]
}

// ParseType returns the Type with the given name
func ParseType(name string) (Type, error) {
	for t, n := range typeNames {
		if n == name {
			return Type(t), nil
		}
	}
	return Unknown, errors.Errorf("unknown callstack type %q", name)
}

// Callstack is an immutable list of frame addresses, innermost frame first
type Callstack struct {
	frames []uint64
	typ    Type
}

// New copies frames into a new Callstack
func New(frames []uint64, typ Type) *Callstack {
	return &Callstack{frames: slices.Clone(frames), typ: typ}
}

// Frames returns the frames of the callstack. The slice must not be modified.
func (c *Callstack) Frames() []uint64 { return c.frames }

func (c *Callstack) Type() Type { return c.typ }

func (c *Callstack) IsComplete() bool { return c.typ == Complete }

// Innermost returns the first frame, zero for an empty callstack
func (c *Callstack) Innermost() uint64 {
	if len(c.frames) == 0 {
		return 0
	}
	return c.frames[0]
}

// Outermost returns the last frame, zero for an empty callstack
func (c *Callstack) Outermost() uint64 {
	if len(c.frames) == 0 {
		return 0
	}
	return c.frames[len(c.frames)-1]
}

// Equal compares frames and type
func (c *Callstack) Equal(o *Callstack) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.typ == o.typ && slices.Equal(c.frames, o.frames)
}

// Clone returns a deep copy
func (c *Callstack) Clone() *Callstack {
	return New(c.frames, c.typ)
}

// Event is a single sample: a callstack observed on a thread at a point in time
type Event struct {
	ThreadID    int32
	TimestampNs uint64
	CallstackID uint64
}
