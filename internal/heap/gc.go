package heap

import (
	"github.com/dustin/go-humanize"

	"github.com/dcechano/clox/internal/value"
)

// RootSource contributes roots at the start of every collection.
type RootSource interface {
	MarkRoots(m *Marker)
}

// Marker is handed to root sources and object children during marking.
type Marker struct {
	h *Heap
}

// Mark greys v if it references an unmarked object.
func (m *Marker) Mark(v value.Value) {
	if v.IsObject() {
		m.MarkRef(v.Ref)
	}
}

// MarkRef greys r if it resolves to an unmarked object. Invalid and stale refs
// are ignored.
func (m *Marker) MarkRef(r value.Ref) {
	h := m.h
	if h.Object(r) == nil {
		return
	}
	if h.marks.Test(uint(r.Index)) {
		return
	}
	h.marks.Set(uint(r.Index))
	h.gray = append(h.gray, r)
}

// AddRoots registers src; it is consulted by every collection until removed.
func (h *Heap) AddRoots(src RootSource) {
	h.roots = append(h.roots, src)
}

// RemoveRoots unregisters the most recent registration of src.
func (h *Heap) RemoveRoots(src RootSource) {
	for i := len(h.roots) - 1; i >= 0; i-- {
		if h.roots[i] == src {
			h.roots = append(h.roots[:i], h.roots[i+1:]...)
			return
		}
	}
}

// Collect runs a full mark-sweep cycle.
func (h *Heap) Collect() {
	h.collect(nil)
}

func (h *Heap) collect(pending Object) {
	before := h.bytesAllocated
	liveBefore := h.live
	h.logger.Debug().
		Int("collection", h.collections+1).
		Str("allocated", humanize.Bytes(uint64(before))).
		Msg("gc begin")

	m := &Marker{h: h}
	for _, src := range h.roots {
		src.MarkRoots(m)
	}
	if pending != nil {
		pending.children(m)
	}
	h.traceReferences(m)
	h.sweep()

	next := h.bytesAllocated * h.growthFactor
	if next < h.initialThreshold {
		next = h.initialThreshold
	}
	h.nextGC = next
	h.collections++
	freed := liveBefore - h.live
	h.freed += freed

	h.logger.Debug().
		Int("collection", h.collections).
		Int("freed_objects", freed).
		Str("collected", humanize.Bytes(uint64(before-h.bytesAllocated))).
		Str("remaining", humanize.Bytes(uint64(h.bytesAllocated))).
		Str("next_gc", humanize.Bytes(uint64(h.nextGC))).
		Msg("gc end")
}

func (h *Heap) traceReferences(m *Marker) {
	for len(h.gray) > 0 {
		r := h.gray[len(h.gray)-1]
		h.gray = h.gray[:len(h.gray)-1]
		h.slots[r.Index].obj.children(m)
	}
}

func (h *Heap) sweep() {
	for key, ref := range h.interned {
		if !h.marks.Test(uint(ref.Index)) {
			delete(h.interned, key)
		}
	}
	for i := range h.slots {
		if h.slots[i].obj == nil {
			continue
		}
		if !h.marks.Test(uint(i)) {
			h.release(uint32(i))
		}
	}
	h.marks.ClearAll()
}
