package code

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("sptab.code")

// DefaultAlignment is the alignment of code object bases in a Space.
const DefaultAlignment = 32

// Space allocates code objects at increasing, aligned addresses and maps
// program counters back to them. Installation and lookup may run on
// different goroutines.
type Space struct {
	mu        sync.RWMutex
	next      Address
	alignment Address
	codes     []*Code // sorted by base
}

// NewSpace creates a code space whose first object is placed at base.
// alignment must be a power of two; zero selects DefaultAlignment.
func NewSpace(base Address, alignment int) *Space {
	if alignment == 0 {
		alignment = DefaultAlignment
	}
	if alignment < 0 || alignment&(alignment-1) != 0 {
		panic(fmt.Sprintf("code.NewSpace: alignment %d is not a power of two", alignment))
	}
	s := &Space{alignment: Address(alignment)}
	s.next = s.align(base)
	return s
}

func (s *Space) align(a Address) Address {
	return (a + s.alignment - 1) &^ (s.alignment - 1)
}

// Install validates d and places it in the space.
func (s *Space) Install(d Desc) (*Code, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := New(d, s.next)
	s.codes = append(s.codes, c)
	s.next = s.align(c.base + Address(len(d.Body)))

	log.Debugf("installed %s at %#x (%d bytes, table at %#x)", d.Name, uint64(c.base), len(d.Body), uint64(c.SafepointTableAddress()))
	return c, nil
}

// Lookup returns the code object whose instructions contain pc, or nil.
func (s *Space) Lookup(pc Address) *Code {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.codes), func(i int) bool {
		return s.codes[i].base > pc
	})
	if i == 0 {
		return nil
	}
	c := s.codes[i-1]
	if !c.Contains(pc) {
		return nil
	}
	return c
}

// ByName returns the first installed code object with the given name.
func (s *Space) ByName(name string) *Code {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.codes {
		if c.name == name {
			return c
		}
	}
	return nil
}

// All returns the installed code objects in address order.
func (s *Space) All() []*Code {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]*Code(nil), s.codes...)
}
