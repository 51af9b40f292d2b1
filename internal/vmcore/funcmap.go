package vmcore

import (
	"sort"
	"sync"
)

// FunctionMap indexes compiled method code ranges by start address so
// the collector can recover a MethodInfo from a bare instruction
// pointer during stack walking (spec §4.E). Grounded on
// mvm::FunctionMap from VMKit.h, which keeps the same sorted-by-start
// layout with binary search on lookup.
type FunctionMap struct {
	mu      sync.RWMutex
	entries []MethodInfo // kept sorted by CodeStart
}

// NewFunctionMap creates an empty function map.
func NewFunctionMap() *FunctionMap {
	return &FunctionMap{}
}

// Add inserts method, keeping entries sorted by CodeStart. Overlapping
// ranges are a caller bug (two code-gen owners claiming the same
// address), not something FunctionMap tries to detect.
func (fm *FunctionMap) Add(method MethodInfo) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	i := sort.Search(len(fm.entries), func(i int) bool {
		return fm.entries[i].CodeStart >= method.CodeStart
	})
	fm.entries = append(fm.entries, MethodInfo{})
	copy(fm.entries[i+1:], fm.entries[i:])
	fm.entries[i] = method
}

// Lookup returns the MethodInfo whose code range contains ip, or
// ErrMapLookupMiss if none is registered there.
func (fm *FunctionMap) Lookup(ip uintptr) (MethodInfo, error) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	i := sort.Search(len(fm.entries), func(i int) bool {
		return fm.entries[i].CodeStart > ip
	}) - 1
	if i < 0 || i >= len(fm.entries) || !fm.entries[i].Contains(ip) {
		return MethodInfo{}, ErrMapLookupMiss
	}
	return fm.entries[i], nil
}

// RemoveByOwner drops every entry whose Owner equals owner, used when
// a code-generation unit (bundle) is unloaded in bulk.
func (fm *FunctionMap) RemoveByOwner(owner CodeGenOwner) int {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	kept := fm.entries[:0]
	removed := 0
	for _, e := range fm.entries {
		if e.Owner == owner {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	fm.entries = kept
	return removed
}

// Len reports the number of registered methods.
func (fm *FunctionMap) Len() int {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	return len(fm.entries)
}
