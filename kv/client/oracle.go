package client

import (
	"sync"
	"time"
)

// tsoPhysicalShiftBits is the width of the logical counter in a composed
// timestamp. The physical component is a millisecond clock reading.
const tsoPhysicalShiftBits = 18

const maxLogical = 1 << tsoPhysicalShiftBits

// Oracle hands out transaction timestamps. Timestamps from one oracle are
// strictly increasing; two calls never return the same value.
type Oracle interface {
	GetTimestamp() (uint64, error)
}

// ComposeTS builds a timestamp from a millisecond physical clock reading
// and a logical counter.
func ComposeTS(physical int64, logical uint64) uint64 {
	return uint64(physical)<<tsoPhysicalShiftBits | logical
}

// LocalOracle is an in-process timestamp source. The physical component
// tracks the wall clock so lock TTLs measured against it behave sensibly,
// and the logical counter disambiguates calls within one millisecond.
type LocalOracle struct {
	mu           sync.Mutex
	lastPhysical int64
	logical      uint64
}

func NewLocalOracle() *LocalOracle {
	return &LocalOracle{}
}

func (o *LocalOracle) GetTimestamp() (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	physical := time.Now().UnixNano() / int64(time.Millisecond)
	if physical > o.lastPhysical {
		o.lastPhysical = physical
		o.logical = 0
	} else {
		o.logical++
		if o.logical >= maxLogical {
			o.lastPhysical++
			o.logical = 0
		}
	}
	return ComposeTS(o.lastPhysical, o.logical), nil
}
