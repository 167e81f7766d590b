package can

// FilterMode selects how the software filter treats incoming frames.
type FilterMode uint8

const (
	// Monitoring accepts every frame.
	Monitoring FilterMode = iota
	// Specific accepts only frames whose ID is on the accepted list.
	Specific
)

func (m FilterMode) String() string {
	switch m {
	case Monitoring:
		return "monitoring"
	case Specific:
		return "specific"
	default:
		return "unknown"
	}
}

// MaxFilterIDs is the capacity of the accepted-ID list.
const MaxFilterIDs = 5

// Filter is the software filter record consulted for every received frame.
// It is a value type: mutations produce a fresh record, which lets the
// driver publish it through an atomic pointer with no reader locks.
type Filter struct {
	Mode     FilterMode
	IDs      []uint32 // at most MaxFilterIDs entries
	Extended bool
}

// NewFilter copies ids (clamped to MaxFilterIDs) into a Specific-mode record.
func NewFilter(ids []uint32, extended bool) Filter {
	if len(ids) > MaxFilterIDs {
		ids = ids[:MaxFilterIDs]
	}
	cp := make([]uint32, len(ids))
	copy(cp, ids)
	return Filter{Mode: Specific, IDs: cp, Extended: extended}
}

// Match reports whether the filter accepts the frame. Monitoring mode
// accepts everything; Specific mode requires an exact ID match and a
// matching addressing mode. No mask or wildcard matching.
func (f Filter) Match(fr Frame) bool {
	if f.Mode == Monitoring {
		return true
	}
	if fr.Extended != f.Extended {
		return false
	}
	for _, id := range f.IDs {
		if fr.ID == id {
			return true
		}
	}
	return false
}
