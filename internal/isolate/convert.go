package isolate

import (
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"

	"github.com/roach88/udfcore/internal/value"
)

const maxConvertDepth = 64

// toLua converts v into a Lua value. Null becomes nil, so nulls inside
// arrays and objects are not visible to Lua code, and an array holding a
// null comes back from fromLua without it.
func toLua(L *lua.LState, v value.Value) lua.LValue {
	switch val := v.(type) {
	case nil, value.Null:
		return lua.LNil
	case value.String:
		return lua.LString(val)
	case value.Int:
		return lua.LNumber(val)
	case value.Float:
		return lua.LNumber(val)
	case value.Bool:
		return lua.LBool(val)
	case value.Array:
		tbl := L.CreateTable(len(val), 0)
		for i, elem := range val {
			tbl.RawSetInt(i+1, toLua(L, elem))
		}
		return tbl
	case value.Object:
		tbl := L.CreateTable(0, len(val))
		for _, k := range val.SortedKeys() {
			tbl.RawSetString(k, toLua(L, val[k]))
		}
		return tbl
	default:
		return lua.LNil
	}
}

// fromLua converts a Lua value into a value.Value.
//
// Tables with positive integer keys become arrays holding their elements in
// key order, so holes left by nils close up. Tables with only string keys
// and the empty table become objects. Numbers go through value.Number.
// Functions, userdata, NaN, mixed-key tables and cycles are rejected.
func fromLua(lv lua.LValue) (value.Value, error) {
	return fromLuaDepth(lv, 0)
}

func fromLuaDepth(lv lua.LValue, depth int) (value.Value, error) {
	if depth > maxConvertDepth {
		return nil, fmt.Errorf("value nested deeper than %d levels", maxConvertDepth)
	}
	switch val := lv.(type) {
	case *lua.LNilType:
		return value.Null{}, nil
	case lua.LBool:
		return value.Bool(bool(val)), nil
	case lua.LString:
		return value.String(string(val)), nil
	case lua.LNumber:
		return value.Number(float64(val))
	case *lua.LTable:
		return tableToValue(val, depth)
	default:
		return nil, fmt.Errorf("cannot convert Lua %s to a value", lv.Type())
	}
}

func tableToValue(tbl *lua.LTable, depth int) (value.Value, error) {
	var (
		intKeys  []int
		strKeys  []string
		badKey   lua.LValue
		entries  = make(map[string]lua.LValue)
		elements = make(map[int]lua.LValue)
	)
	tbl.ForEach(func(k, v lua.LValue) {
		switch key := k.(type) {
		case lua.LString:
			strKeys = append(strKeys, string(key))
			entries[string(key)] = v
		case lua.LNumber:
			f := float64(key)
			if f != math.Trunc(f) || f < 1 || f > value.MaxSafeInteger {
				badKey = k
				return
			}
			intKeys = append(intKeys, int(f))
			elements[int(f)] = v
		default:
			badKey = k
		}
	})
	if badKey != nil {
		return nil, fmt.Errorf("unsupported table key %s", badKey.String())
	}
	if len(intKeys) > 0 && len(strKeys) > 0 {
		return nil, fmt.Errorf("table mixes array and object keys")
	}

	if len(intKeys) > 0 {
		sort.Ints(intKeys)
		arr := make(value.Array, len(intKeys))
		for i, k := range intKeys {
			elem, err := fromLuaDepth(elements[k], depth+1)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", k, err)
			}
			arr[i] = elem
		}
		return arr, nil
	}

	obj := make(value.Object, len(strKeys))
	for _, k := range strKeys {
		elem, err := fromLuaDepth(entries[k], depth+1)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		obj[k] = elem
	}
	return obj, nil
}

// fromLuaObject converts a Lua value that must be an object, e.g. a document.
func fromLuaObject(lv lua.LValue) (value.Object, error) {
	v, err := fromLua(lv)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(value.Object)
	if !ok {
		return nil, fmt.Errorf("expected a table with string keys, got %s", value.Kind(v))
	}
	return obj, nil
}
