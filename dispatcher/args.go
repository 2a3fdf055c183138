package dispatcher

import (
	"greybridge/handles"
	"greybridge/metrics"
	"greybridge/rpcerr"
	"greybridge/value"
)

// PeerResolver turns a reference owned by the peer into a local stand-in.
type PeerResolver interface {
	ResolvePeer(ref value.Ref) (any, error)
}

// Args gives a trampoline typed access to the invocation arguments.
type Args struct {
	selector string
	vals     []value.Value
	side     value.Side
	objects  *handles.Table
	peers    PeerResolver
}

func (a Args) Len() int { return len(a.vals) }

// Value returns argument i, or Null when i is out of range.
func (a Args) Value(i int) value.Value {
	if i < 0 || i >= len(a.vals) {
		return value.Null()
	}
	return a.vals[i]
}

func (a Args) kind(i int, want value.Kind) (value.Value, error) {
	if i < 0 || i >= len(a.vals) {
		return value.Value{}, rpcerr.New(a.selector, rpcerr.ErrNonMarshalable, "missing argument %d", i)
	}
	v := a.vals[i]
	if v.Kind != want {
		return value.Value{}, rpcerr.New(a.selector, rpcerr.ErrNonMarshalable, "argument %d is %s, want %s", i, v.Kind, want)
	}
	return v, nil
}

// Int accepts int and uint arguments that fit in an int64.
func (a Args) Int(i int) (int64, error) {
	if v := a.Value(i); v.Kind == value.KindUint && v.Uint <= 1<<63-1 {
		return int64(v.Uint), nil
	}
	v, err := a.kind(i, value.KindInt)
	return v.Int, err
}

func (a Args) String(i int) (string, error) {
	v, err := a.kind(i, value.KindString)
	return v.Str, err
}

func (a Args) Bool(i int) (bool, error) {
	v, err := a.kind(i, value.KindBool)
	return v.Bool, err
}

func (a Args) Float(i int) (float64, error) {
	v, err := a.kind(i, value.KindFloat)
	return v.Float, err
}

func (a Args) Bytes(i int) ([]byte, error) {
	v, err := a.kind(i, value.KindBytes)
	return v.Bytes, err
}

func (a Args) Ref(i int) (value.Ref, error) {
	v, err := a.kind(i, value.KindRef)
	if err != nil {
		return value.Ref{}, err
	}
	return *v.Ref, nil
}

// Object resolves a reference to an object this side exported.
func (a Args) Object(i int) (any, error) {
	ref, err := a.Ref(i)
	if err != nil {
		return nil, err
	}
	if ref.Owner != a.side {
		return nil, rpcerr.New(a.selector, rpcerr.ErrNonMarshalable, "argument %d references a %s object", i, ref.Owner)
	}
	if a.objects == nil {
		return nil, rpcerr.New(a.selector, rpcerr.ErrUnknownHandle, "no handle table")
	}
	e, err := a.objects.Resolve(handles.Handle(ref.Handle))
	if err != nil {
		return nil, err
	}
	return e.Object, nil
}

// Proxy turns a reference owned by the peer into a stand-in.
func (a Args) Proxy(i int) (any, error) {
	ref, err := a.Ref(i)
	if err != nil {
		return nil, err
	}
	if ref.Owner == a.side {
		return nil, rpcerr.New(a.selector, rpcerr.ErrNonMarshalable, "argument %d references a local object", i)
	}
	if a.peers == nil {
		return nil, rpcerr.New(a.selector, rpcerr.ErrTargetNotFound, "no peer resolver")
	}
	return a.peers.ResolvePeer(ref)
}

// Export publishes obj so it can be returned to the peer by reference.
func (a Args) Export(obj any, opts ...handles.ExportOption) (value.Value, error) {
	if a.objects == nil {
		return value.Value{}, rpcerr.New(a.selector, rpcerr.ErrNonMarshalable, "no handle table")
	}
	ref, err := a.objects.Ref(a.side, obj, opts...)
	if err != nil {
		return value.Value{}, err
	}
	metrics.SetLiveHandles(a.side.String(), a.objects.Len())
	return value.Of(ref), nil
}
