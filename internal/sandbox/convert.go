package sandbox

import (
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// ToGo converts a Lua value to plain Go data: nil, bool, float64, string,
// []any for sequences and map[string]any for other tables. Functions and
// other opaque values become their string form. Cyclic tables are cut.
func ToGo(lv lua.LValue) any {
	return toGo(lv, map[*lua.LTable]bool{})
}

func toGo(lv lua.LValue, seen map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if seen[v] {
			return nil
		}
		seen[v] = true
		defer delete(seen, v)

		if n := v.Len(); n > 0 && isSequence(v, n) {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, toGo(v.RawGetInt(i), seen))
			}
			return out
		}
		out := make(map[string]any)
		v.ForEach(func(k, fv lua.LValue) {
			out[k.String()] = toGo(fv, seen)
		})
		return out
	default:
		return lv.String()
	}
}

func isSequence(tbl *lua.LTable, n int) bool {
	count := 0
	tbl.ForEach(func(lua.LValue, lua.LValue) { count++ })
	return count == n
}

// FromGo converts Go data to a Lua value on L. Maps are converted with
// their keys in sorted order. Unknown types become their fmt string form.
func FromGo(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return x
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int32:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case uint32:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case []string:
		tbl := L.CreateTable(len(x), 0)
		for _, s := range x {
			tbl.Append(lua.LString(s))
		}
		return tbl
	case []any:
		tbl := L.CreateTable(len(x), 0)
		for _, item := range x {
			tbl.Append(FromGo(L, item))
		}
		return tbl
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		tbl := L.CreateTable(0, len(x))
		for _, k := range keys {
			tbl.RawSetString(k, FromGo(L, x[k]))
		}
		return tbl
	case lua.LGFunction:
		return L.NewFunction(x)
	case func(*lua.LState) int:
		return L.NewFunction(x)
	default:
		return lua.LString(fmt.Sprint(v))
	}
}
