// Package handles is the per-process proxy object registry: an arena that maps
// opaque handles to the local objects exported under them.
//
// A handle is an index into the arena, never a pointer. Handles are issued in
// increasing order and never reused for a different object within the
// lifetime of a Table, so a stale handle held by the peer can only ever fail
// to resolve; it can never reach the wrong object.
package handles

import (
	"fmt"
	"reflect"
	"sync"

	"greybridge/rpcerr"
	"greybridge/value"
)

// Handle names an exported object. The zero handle is never issued.
type Handle uint64

// Affinity records which thread an object must be used from.
type Affinity uint8

const (
	AffinityAny  Affinity = 0 // any worker goroutine
	AffinityMain Affinity = 1 // the application's single UI-owning thread
)

func (a Affinity) String() string {
	if a == AffinityMain {
		return "main"
	}
	return "any"
}

// Entry is a resolved handle.
type Entry struct {
	Handle   Handle
	Object   any
	Class    string
	Affinity Affinity
}

type slot struct {
	Entry
	released bool
	inflight int
}

// Table is the arena. The zero value is not usable; call NewTable.
type Table struct {
	mu       sync.Mutex
	slots    []*slot     // slots[h-1]; nil once cleaned up
	ids      map[any]Handle
	live     int
	released uint64
}

func NewTable() *Table {
	return &Table{ids: make(map[any]Handle)}
}

// ExportOption configures Export.
type ExportOption func(*Entry)

// WithClass sets the class identity used to look up methods for the object.
func WithClass(name string) ExportOption {
	return func(e *Entry) { e.Class = name }
}

// WithAffinity records the thread affinity of the object.
func WithAffinity(a Affinity) ExportOption {
	return func(e *Entry) { e.Affinity = a }
}

// Export returns the handle for obj, issuing one on first export. Exporting
// the same object again returns the same handle; options are only applied on
// the first export. Only pointer-shaped values have a stable identity and can
// be exported.
func (t *Table) Export(obj any, opts ...ExportOption) (Handle, error) {
	if obj == nil {
		return 0, rpcerr.New("export", rpcerr.ErrNonMarshalable, "nil object")
	}
	switch reflect.TypeOf(obj).Kind() {
	case reflect.Pointer, reflect.Chan:
	default:
		return 0, rpcerr.New("export", rpcerr.ErrNonMarshalable, "%T has no stable identity", obj)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.ids[obj]; ok && !t.slots[h-1].released {
		return h, nil
	}

	// A released object still pinned by an invocation keeps its old slot
	// until collected; it gets a fresh handle here.
	e := Entry{Handle: Handle(len(t.slots) + 1), Object: obj, Class: className(obj)}
	for _, opt := range opts {
		opt(&e)
	}
	t.slots = append(t.slots, &slot{Entry: e})
	t.ids[obj] = e.Handle
	t.live++
	return e.Handle, nil
}

// Ref exports obj and returns the reference that carries it across the
// boundary, owned by side.
func (t *Table) Ref(side value.Side, obj any, opts ...ExportOption) (value.Ref, error) {
	h, err := t.Export(obj, opts...)
	if err != nil {
		return value.Ref{}, err
	}
	e, err := t.Resolve(h)
	if err != nil {
		return value.Ref{}, err
	}
	return value.Ref{Owner: side, Handle: uint64(h), Class: e.Class}, nil
}

func className(obj any) string {
	typ := reflect.TypeOf(obj)
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	return typ.Name()
}

func (t *Table) lookup(h Handle) (*slot, error) {
	if h == 0 || uint64(h) > uint64(len(t.slots)) {
		return nil, rpcerr.New("resolve", rpcerr.ErrUnknownHandle, "handle %d was never issued", h)
	}
	s := t.slots[h-1]
	if s == nil || s.released {
		return nil, rpcerr.New("resolve", rpcerr.ErrUnknownHandle, "handle %d was released", h)
	}
	return s, nil
}

// Resolve returns the entry for h.
func (t *Table) Resolve(h Handle) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(h)
	if err != nil {
		return Entry{}, err
	}
	return s.Entry, nil
}

// Acquire resolves h and pins it until done is called, so a release that
// arrives while the invocation is running does not drop the object under it.
func (t *Table) Acquire(h Handle) (Entry, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, err := t.lookup(h)
	if err != nil {
		return Entry{}, nil, err
	}
	s.inflight++
	var once sync.Once
	done := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			s.inflight--
			t.collect(h, s)
		})
	}
	return s.Entry, done, nil
}

// Release makes h unresolvable immediately. The object itself is dropped once
// no in-flight invocation pins it. Releasing an unknown or already released
// handle is a no-op, since release messages may race with each other.
func (t *Table) Release(h Handle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h == 0 || uint64(h) > uint64(len(t.slots)) {
		return
	}
	s := t.slots[h-1]
	if s == nil || s.released {
		return
	}
	s.released = true
	t.live--
	t.released++
	t.collect(h, s)
}

// collect drops a released, unpinned slot. Callers hold t.mu.
func (t *Table) collect(h Handle, s *slot) {
	if !s.released || s.inflight > 0 {
		return
	}
	if t.ids[s.Object] == h {
		delete(t.ids, s.Object)
	}
	t.slots[h-1] = nil
}

// Len returns the number of live (exported and not released) handles.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

// Stats summarizes the table for diagnostics.
type Stats struct {
	Issued   uint64 `json:"issued"`
	Live     int    `json:"live"`
	Released uint64 `json:"released"`
	Pinned   int    `json:"pinned"`
}

func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Stats{Issued: uint64(len(t.slots)), Live: t.live, Released: t.released}
	for _, s := range t.slots {
		if s != nil && s.inflight > 0 {
			st.Pinned++
		}
	}
	return st
}

func (h Handle) String() string {
	return fmt.Sprintf("#%d", uint64(h))
}
