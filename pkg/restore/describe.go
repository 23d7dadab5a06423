package restore

import (
	"fmt"
	"reflect"
	"strconv"
	"unicode/utf8"
)

// maxDescribeLen bounds the value part of describe's output.
const maxDescribeLen = 64

// describe renders v for error messages as its value followed by its type,
// e.g. `-0 (float64)` or `"x" (string)`. Nil values render as "nil".
func describe(v any) string {
	if v == nil {
		return "nil"
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		if rv.IsNil() {
			return fmt.Sprintf("nil (%T)", v)
		}
	}

	var s string
	switch rv.Kind() {
	case reflect.String:
		s = strconv.Quote(rv.String())
	case reflect.Func:
		s = "func"
	case reflect.Chan:
		s = "chan"
	default:
		s = fmt.Sprintf("%v", v)
	}
	if len(s) > maxDescribeLen {
		// Cut on a rune boundary.
		cut := maxDescribeLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return fmt.Sprintf("%s (%T)", s, v)
}
