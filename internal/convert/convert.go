package convert

import (
	"reflect"

	"github.com/godbus/dbus/v5"
)

var (
	boolSignature   = dbus.SignatureOfType(reflect.TypeOf(false))
	stringSignature = dbus.SignatureOfType(reflect.TypeOf(""))
	uint32Signature = dbus.SignatureOfType(reflect.TypeOf(uint32(0)))
)

func FromBool(input bool) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, boolSignature)
}

func FromString(input string) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, stringSignature)
}

func FromUint32(input uint32) dbus.Variant {
	return dbus.MakeVariantWithSignature(input, uint32Signature)
}

// ToInt32Pair decodes an (ii) struct, which godbus hands out as []any.
func ToInt32Pair(value any) ([2]int32, bool) {
	values, ok := value.([]any)
	if !ok || len(values) < 2 {
		return [2]int32{}, false
	}

	left, ok := values[0].(int32)
	if !ok {
		return [2]int32{}, false
	}
	right, ok := values[1].(int32)
	if !ok {
		return [2]int32{}, false
	}

	return [2]int32{left, right}, true
}

// Lookup returns results[key] as T.
func Lookup[T any](results map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := results[key]
	if !ok {
		return zero, false
	}
	t, ok := v.Value().(T)
	return t, ok
}
