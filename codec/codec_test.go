package codec

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"greybridge/message"
	"greybridge/rpcerr"
	"greybridge/value"
)

func sampleInvocation() *message.Invocation {
	return &message.Invocation{
		Target: 42,
		Class:  "Table",
		Method: "CellAt",
		Args: []value.Value{
			value.Int(-7),
			value.Uint(math.MaxUint64),
			value.Float(3.25),
			value.String("row ✓"),
			value.Bytes([]byte{0, 1, 2}),
			value.Bool(true),
			value.Null(),
			value.Of(value.Ref{Owner: value.SideTest, Handle: 9, Class: "Matcher"}),
			value.List(value.Int(1), value.List(value.String("nested"))),
			value.Struct(value.F("x", value.Int(1)), value.F("y", value.Float(-0.5))),
		},
		Returns:       value.KindRef,
		TimeoutMillis: 1500,
	}
}

func requireSameInvocation(t *testing.T, want, got *message.Invocation) {
	t.Helper()
	require.Equal(t, want.Target, got.Target)
	require.Equal(t, want.Selector(), got.Selector())
	require.Equal(t, want.Returns, got.Returns)
	require.Equal(t, want.TimeoutMillis, got.TimeoutMillis)
	require.Len(t, got.Args, len(want.Args))
	for i := range want.Args {
		require.Truef(t, want.Args[i].Equal(got.Args[i]), "arg %d: want %v, got %v", i, want.Args[i], got.Args[i])
	}
}

func TestInvocationRoundTrip(t *testing.T) {
	for _, c := range []Codec{&BinaryCodec{}, &JSONCodec{}} {
		t.Run(c.Type().String(), func(t *testing.T) {
			inv := sampleInvocation()
			data, err := EncodeInvocation(c, inv)
			require.NoError(t, err)

			decoded, err := DecodeInvocation(c, data)
			require.NoError(t, err)
			requireSameInvocation(t, inv, decoded)
		})
	}
}

func TestResultAndErrorRoundTrip(t *testing.T) {
	for _, c := range []Codec{&BinaryCodec{}, &JSONCodec{}} {
		t.Run(c.Type().String(), func(t *testing.T) {
			res := &message.Result{Value: value.Struct(value.F("title", value.String("Inbox")))}
			data, err := EncodeResult(c, res)
			require.NoError(t, err)
			gotRes, err := DecodeResult(c, data)
			require.NoError(t, err)
			require.True(t, res.Value.Equal(gotRes.Value))

			payload := &message.ErrorPayload{
				Kind:    rpcerr.KindRemote,
				Name:    "IndexOutOfBounds",
				Message: "index 5 out of bounds [0 .. 2]",
				Class:   "Table",
				Method:  "CellAt",
			}
			data, err = EncodeError(c, payload)
			require.NoError(t, err)
			gotPayload, err := DecodeError(c, data)
			require.NoError(t, err)
			require.Equal(t, payload, gotPayload)
		})
	}
}

func TestHandshakeAndReleaseRoundTrip(t *testing.T) {
	c := &BinaryCodec{}

	hello := &message.Hello{Session: "s-1", Version: 1, Side: value.SideTest, App: "demo"}
	data, err := c.Encode(hello)
	require.NoError(t, err)
	var gotHello message.Hello
	require.NoError(t, c.Decode(data, &gotHello))
	require.Equal(t, *hello, gotHello)

	ack := &message.HelloAck{Session: "s-1", Accepted: true, Side: value.SideApp}
	data, err = c.Encode(ack)
	require.NoError(t, err)
	var gotAck message.HelloAck
	require.NoError(t, c.Decode(data, &gotAck))
	require.Equal(t, *ack, gotAck)

	rel := &message.Release{Handles: []uint64{1, 300, 1 << 40}}
	data, err = c.Encode(rel)
	require.NoError(t, err)
	var gotRel message.Release
	require.NoError(t, c.Decode(data, &gotRel))
	require.Equal(t, rel.Handles, gotRel.Handles)
}

func TestBinaryEncodingIsDeterministic(t *testing.T) {
	args := map[string]any{"b": 2, "a": []any{"x", 1.5}, "c": map[string]any{"z": true, "y": nil}}
	first, err := value.From(args)
	require.NoError(t, err)
	second, err := value.From(args)
	require.NoError(t, err)

	c := &BinaryCodec{}
	one, err := c.Encode(&message.Result{Value: first})
	require.NoError(t, err)
	two, err := c.Encode(&message.Result{Value: second})
	require.NoError(t, err)
	require.Equal(t, one, two)
}

func TestNonMarshalableArgumentFailsFast(t *testing.T) {
	_, err := value.From(make(chan int))
	require.ErrorIs(t, err, rpcerr.ErrNonMarshalable)
	require.Contains(t, err.Error(), "chan int")

	type window struct{ title string }
	_, err = value.From(&window{})
	require.ErrorIs(t, err, rpcerr.ErrNonMarshalable)

	inv := &message.Invocation{Class: "Window", Method: "SetTitle", Args: []value.Value{{Kind: value.Kind(42)}}}
	_, err = EncodeInvocation(&BinaryCodec{}, inv)
	require.ErrorIs(t, err, rpcerr.ErrNonMarshalable)
	require.Equal(t, rpcerr.KindMarshal, rpcerr.KindOf(err))
}

func TestNestingDepthIsBounded(t *testing.T) {
	v := value.Int(1)
	for i := 0; i <= value.MaxDepth+1; i++ {
		v = value.List(v)
	}
	_, err := (&BinaryCodec{}).Encode(&message.Result{Value: v})
	require.ErrorIs(t, err, rpcerr.ErrNonMarshalable)
}

func TestTruncatedInputNeverPanics(t *testing.T) {
	c := &BinaryCodec{}
	data, err := EncodeInvocation(c, sampleInvocation())
	require.NoError(t, err)

	for n := 0; n < len(data); n++ {
		_, err := DecodeInvocation(c, data[:n])
		require.Errorf(t, err, "prefix of %d bytes decoded", n)
	}

	_, err = DecodeInvocation(c, append(data, 0))
	require.True(t, errors.Is(err, errTrailing))
}

func TestUnsupportedMessageType(t *testing.T) {
	_, err := (&BinaryCodec{}).Encode("not a message")
	require.ErrorIs(t, err, rpcerr.ErrNonMarshalable)
	_, err = (&JSONCodec{}).Encode(42)
	require.ErrorIs(t, err, rpcerr.ErrNonMarshalable)
}

func TestJSONRefusesValuesItCannotCarry(t *testing.T) {
	cases := map[string]value.Value{
		"invalid utf8":   value.String("a\xffb"),
		"nan":            value.Float(math.NaN()),
		"inf":            value.Float(math.Inf(1)),
		"ref class":      value.Of(value.Ref{Owner: value.SideApp, Handle: 1, Class: "Win\xffdow"}),
		"field name":     value.Struct(value.F("ti\xfftle", value.Int(1))),
		"nested in list": value.List(value.Int(1), value.List(value.Float(math.Inf(-1)))),
	}
	for name, v := range cases {
		t.Run(name, func(t *testing.T) {
			inv := &message.Invocation{Class: "Window", Method: "SetTitle", Args: []value.Value{v}}
			_, err := EncodeInvocation(&JSONCodec{}, inv)
			require.ErrorIs(t, err, rpcerr.ErrNonMarshalable)
			require.Equal(t, rpcerr.KindMarshal, rpcerr.KindOf(err))

			_, err = EncodeResult(&JSONCodec{}, &message.Result{Value: v})
			require.ErrorIs(t, err, rpcerr.ErrNonMarshalable)
		})
	}
}

func TestBinaryCarriesWhatJSONRefuses(t *testing.T) {
	inv := &message.Invocation{
		Class:  "Window",
		Method: "SetTitle",
		Args:   []value.Value{value.String("a\xffb"), value.Float(math.NaN()), value.Float(math.Inf(1))},
	}
	c := &BinaryCodec{}
	data, err := EncodeInvocation(c, inv)
	require.NoError(t, err)
	got, err := DecodeInvocation(c, data)
	require.NoError(t, err)
	requireSameInvocation(t, inv, got)
	require.Equal(t, "a\xffb", got.Args[0].Str)
}
