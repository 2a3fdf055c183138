package value

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"greybridge/rpcerr"
)

func TestFromNativeValues(t *testing.T) {
	v, err := From(map[string]any{
		"b":    true,
		"a":    int32(-2),
		"u":    uint8(7),
		"list": []string{"x", "y"},
		"ref":  Ref{Owner: SideApp, Handle: 9, Class: "Window"},
		"nil":  nil,
	})
	require.NoError(t, err)
	require.Equal(t, KindStruct, v.Kind)

	names := make([]string, len(v.Fields))
	for i, f := range v.Fields {
		names[i] = f.Name
	}
	require.Equal(t, []string{"a", "b", "list", "nil", "ref", "u"}, names)

	a, _ := v.Get("a")
	require.Equal(t, Int(-2), a)
	u, _ := v.Get("u")
	require.Equal(t, Uint(7), u)
	ref, _ := v.Get("ref")
	require.Equal(t, KindRef, ref.Kind)
	require.Equal(t, uint64(9), ref.Ref.Handle)
	_, ok := v.Get("missing")
	require.False(t, ok)
}

func TestFromNamedScalars(t *testing.T) {
	type index int
	type label string
	type ratio float32
	type flag bool
	type mask uint16
	type blob []byte

	cases := []struct {
		in   any
		want Value
	}{
		{1500 * time.Millisecond, Int(int64(1500 * time.Millisecond))},
		{index(-3), Int(-3)},
		{label("inbox"), String("inbox")},
		{ratio(0.5), Float(0.5)},
		{flag(true), Bool(true)},
		{mask(0xff), Uint(0xff)},
		{blob{1, 2}, Bytes([]byte{1, 2})},
		{[]index{1, 2}, List(Int(1), Int(2))},
	}
	for _, c := range cases {
		got, err := From(c.in)
		require.NoError(t, err, "%T", c.in)
		require.True(t, c.want.Equal(got), "%T: want %v, got %v", c.in, c.want, got)
	}
}

func TestFromRejectsObjects(t *testing.T) {
	type window struct{ title string }
	for _, x := range []any{&window{}, window{}, make(chan int), func() {}, map[int]string{1: "a"}} {
		_, err := From(x)
		require.ErrorIs(t, err, rpcerr.ErrNonMarshalable, "%T", x)
	}
}

func TestDepthIsBounded(t *testing.T) {
	var nested any = "leaf"
	for i := 0; i <= MaxDepth+1; i++ {
		nested = []any{nested}
	}
	_, err := From(nested)
	require.ErrorIs(t, err, rpcerr.ErrNonMarshalable)

	v := String("leaf")
	for i := 0; i <= MaxDepth+1; i++ {
		v = List(v)
	}
	require.ErrorIs(t, Validate(v), rpcerr.ErrNonMarshalable)
}

func TestValidateRejectsBrokenValues(t *testing.T) {
	require.Error(t, Validate(Value{Kind: KindRef}))
	require.Error(t, Validate(Value{Kind: KindAny}))
	require.NoError(t, Validate(Of(Ref{Owner: SideTest, Handle: 1})))
}

func TestEqual(t *testing.T) {
	require.True(t, Bytes(nil).Equal(Bytes([]byte{})))
	require.True(t, List().Equal(Value{Kind: KindList}))
	require.True(t, Float(math.NaN()).Equal(Float(math.NaN())))
	require.False(t, Int(1).Equal(Uint(1)))
	require.False(t, Struct(F("a", Int(1)), F("b", Int(2))).Equal(Struct(F("b", Int(2)), F("a", Int(1)))))
	require.True(t, Of(Ref{Owner: SideApp, Handle: 3}).Equal(Of(Ref{Owner: SideApp, Handle: 3})))
}

func TestInterface(t *testing.T) {
	v := MustFrom(map[string]any{"n": 1, "tags": []any{"a", 2.5}})
	require.Equal(t, map[string]any{"n": int64(1), "tags": []any{"a", 2.5}}, v.Interface())
	require.Nil(t, Null().Interface())
}

func TestSides(t *testing.T) {
	require.Equal(t, SideApp, SideTest.Peer())
	require.Equal(t, SideTest, SideApp.Peer())
	require.Equal(t, "app#4(Window)", Ref{Owner: SideApp, Handle: 4, Class: "Window"}.String())
}
