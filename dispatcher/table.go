package dispatcher

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"greybridge/handles"
	"greybridge/rpcerr"
	"greybridge/value"
)

// Trampoline adapts one method to the wire: it receives the resolved target
// and the boxed arguments and returns a boxed result.
type Trampoline func(ctx context.Context, target any, args Args) (value.Value, error)

// ClassSpec describes a class known to the dispatcher. Singleton, when set,
// is the target of class-level invocations (Target == 0). Affinity applies to
// those invocations; handle targets carry the affinity recorded at export.
type ClassSpec struct {
	Singleton any
	Affinity  handles.Affinity
}

type class struct {
	spec    ClassSpec
	methods map[string]Trampoline
}

// Table maps Class.Method selectors to trampolines.
type Table struct {
	mu      sync.RWMutex
	classes map[string]*class
}

func NewTable() *Table {
	return &Table{classes: make(map[string]*class)}
}

func (t *Table) RegisterClass(name string, spec ClassSpec) error {
	if name == "" {
		return fmt.Errorf("dispatcher: empty class name")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.classes[name]; ok {
		return fmt.Errorf("dispatcher: class %q already registered", name)
	}
	t.classes[name] = &class{spec: spec, methods: make(map[string]Trampoline)}
	return nil
}

func (t *Table) RegisterMethod(className, method string, fn Trampoline) error {
	if fn == nil {
		return fmt.Errorf("dispatcher: nil trampoline for %s.%s", className, method)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.classes[className]
	if !ok {
		return fmt.Errorf("dispatcher: class %q not registered", className)
	}
	if _, ok := c.methods[method]; ok {
		return fmt.Errorf("dispatcher: method %s.%s already registered", className, method)
	}
	c.methods[method] = fn
	return nil
}

// Method registers a trampoline whose target must be a T.
func Method[T any](t *Table, className, method string, fn func(ctx context.Context, recv T, args Args) (value.Value, error)) error {
	return t.RegisterMethod(className, method, func(ctx context.Context, target any, args Args) (value.Value, error) {
		recv, ok := target.(T)
		if !ok {
			return value.Value{}, rpcerr.New(className+"."+method, rpcerr.ErrTargetNotFound, "target is %T, want %v", target, reflect.TypeFor[T]())
		}
		return fn(ctx, recv, args)
	})
}

func (t *Table) lookup(className, method string) (ClassSpec, Trampoline, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.classes[className]
	if !ok {
		return ClassSpec{}, nil, rpcerr.New(className+"."+method, rpcerr.ErrTargetNotFound, "no class %q", className)
	}
	fn, ok := c.methods[method]
	if !ok {
		return ClassSpec{}, nil, rpcerr.New(className+"."+method, rpcerr.ErrTargetNotFound, "class %q has no method %q", className, method)
	}
	return c.spec, fn, nil
}

// Classes lists registered class names with their method names, sorted.
func (t *Table) Classes() map[string][]string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string][]string, len(t.classes))
	for name, c := range t.classes {
		methods := make([]string, 0, len(c.methods))
		for m := range c.methods {
			methods = append(methods, m)
		}
		sort.Strings(methods)
		out[name] = methods
	}
	return out
}
