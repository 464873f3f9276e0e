package isolate

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/roach88/udfcore/internal/value"
)

func newBareState(t *testing.T) *lua.LState {
	t.Helper()
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	t.Cleanup(L.Close)
	return L
}

func TestConvert_RoundTrip(t *testing.T) {
	L := newBareState(t)
	in := value.Object{
		"name":  value.String("ada"),
		"age":   value.Int(36),
		"score": value.Float(97.5),
		"admin": value.Bool(true),
		"tags":  value.Array{value.String("a"), value.String("b")},
		"nested": value.Object{
			"n": value.Int(-7),
		},
	}

	out, err := fromLua(toLua(L, in))
	require.NoError(t, err)
	assert.True(t, value.Equal(in, out), "got %v", out)
}

func TestConvert_NullAndEmpty(t *testing.T) {
	L := newBareState(t)

	v, err := fromLua(toLua(L, value.Null{}))
	require.NoError(t, err)
	assert.Equal(t, value.Null{}, v)

	v, err = fromLua(L.NewTable())
	require.NoError(t, err)
	assert.Equal(t, value.Object{}, v)
}

func TestConvert_Rejects(t *testing.T) {
	L := newBareState(t)

	mixed := L.NewTable()
	mixed.RawSetInt(1, lua.LString("x"))
	mixed.RawSetString("k", lua.LString("y"))

	badKey := L.NewTable()
	badKey.RawSet(lua.LNumber(1.5), lua.LTrue)

	deep := L.NewTable()
	cur := deep
	for range maxConvertDepth + 2 {
		next := L.NewTable()
		cur.RawSetString("d", next)
		cur = next
	}

	cases := map[string]lua.LValue{
		"nan":       lua.LNumber(math.NaN()),
		"function":  L.NewFunction(func(*lua.LState) int { return 0 }),
		"mixed":     mixed,
		"bad key":   badKey,
		"too deep":  deep,
	}
	for name, lv := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := fromLua(lv)
			assert.Error(t, err)
		})
	}
}

func TestConvert_Numbers(t *testing.T) {
	tests := []struct {
		name string
		in   lua.LNumber
		want value.Value
	}{
		{"integral", 42, value.Int(42)},
		{"negative zero", lua.LNumber(math.Copysign(0, -1)), value.Int(0)},
		{"safe boundary", value.MaxSafeInteger, value.Int(value.MaxSafeInteger)},
		{"beyond safe", 1 << 54, value.Float(1 << 54)},
		{"fraction", 1.5, value.Float(1.5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := fromLua(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestConvert_NullsInArraysCloseUp(t *testing.T) {
	L := newBareState(t)

	in := value.Array{value.String("x"), value.Null{}, value.String("z")}
	out, err := fromLua(toLua(L, in))
	require.NoError(t, err)
	assert.Equal(t, value.Array{value.String("x"), value.String("z")}, out)

	sparse := L.NewTable()
	sparse.RawSetInt(3, lua.LString("c"))
	sparse.RawSetInt(1, lua.LString("a"))
	out, err = fromLua(sparse)
	require.NoError(t, err)
	assert.Equal(t, value.Array{value.String("a"), value.String("c")}, out)
}

func TestFromLuaObject(t *testing.T) {
	L := newBareState(t)

	_, err := fromLuaObject(toLua(L, value.Array{value.Int(1)}))
	assert.Error(t, err)

	obj, err := fromLuaObject(toLua(L, value.Object{"a": value.Int(1)}))
	require.NoError(t, err)
	assert.Equal(t, value.Object{"a": value.Int(1)}, obj)
}
