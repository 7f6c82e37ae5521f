package qa

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_PreservesMemberOrder(t *testing.T) {
	doc, err := DecodeBytes([]byte(`{"z":1,"a":{"y":true,"b":null},"m":[1,"two"]}`))
	require.NoError(t, err)

	obj, ok := doc.(*Object)
	require.True(t, ok, "root should decode to *Object, got %T", doc)
	assert.Equal(t, []string{"z", "a", "m"}, obj.Keys())

	inner, _ := obj.Get("a")
	assert.Equal(t, []string{"y", "b"}, inner.(*Object).Keys())

	arr, _ := obj.Get("m")
	assert.Equal(t, []any{json.Number("1"), "two"}, arr)
}

func TestDecode_DuplicateKeyKeepsFirstPositionLastValue(t *testing.T) {
	doc, err := DecodeBytes([]byte(`{"a":1,"b":2,"a":3}`))
	require.NoError(t, err)

	obj := doc.(*Object)
	assert.Equal(t, 2, obj.Len())
	assert.Equal(t, []string{"a", "b"}, obj.Keys())
	v, ok := obj.Get("a")
	require.True(t, ok)
	assert.Equal(t, json.Number("3"), v)
}

func TestDecode_Scalars(t *testing.T) {
	cases := map[string]any{
		`"text"`: "text",
		`12.5`:   json.Number("12.5"),
		`true`:   true,
		`null`:   nil,
		`[]`:     []any{},
	}
	for in, want := range cases {
		got, err := Decode(strings.NewReader(in))
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestDecode_Errors(t *testing.T) {
	for _, in := range []string{``, `{"a":`, `{} {}`, `[1,]`} {
		_, err := DecodeBytes([]byte(in))
		assert.Error(t, err, "input %q", in)
	}
}

func TestMapFields_SortedIteration(t *testing.T) {
	var keys []string
	mapFields{"b": 1, "c": 2, "a": 3}.Each(func(k string, _ any) {
		keys = append(keys, k)
	})
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}
