package convert

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func TestToInt32Pair(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  [2]int32
		ok    bool
	}{
		{"pair", []any{int32(1920), int32(1080)}, [2]int32{1920, 1080}, true},
		{"short", []any{int32(1)}, [2]int32{}, false},
		{"wrong type", []any{uint32(1), int32(2)}, [2]int32{}, false},
		{"not a slice", "x", [2]int32{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ToInt32Pair(tt.value)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLookup(t *testing.T) {
	results := map[string]dbus.Variant{
		"restore_token": FromString("abc"),
		"types":         FromUint32(3),
	}

	token, ok := Lookup[string](results, "restore_token")
	assert.True(t, ok)
	assert.Equal(t, "abc", token)

	_, ok = Lookup[string](results, "types")
	assert.False(t, ok)

	_, ok = Lookup[uint32](results, "missing")
	assert.False(t, ok)

	assert.Equal(t, "b", FromBool(true).Signature().String())
}
