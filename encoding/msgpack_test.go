package encoding

import (
	"sync"
	"testing"

	"github.com/maxpert/livebind/value"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshal_Deterministic(t *testing.T) {
	m := map[string]interface{}{"b": 1, "a": 2, "c": map[string]interface{}{"z": 1, "y": 2}}

	first, err := Marshal(m)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Marshal(m)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestValueRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		in   value.Value
	}{
		{"null", value.Null{}},
		{"int", value.Int(-42)},
		{"float", value.Float(3.25)},
		{"string", value.String("hello")},
		{"list", value.List{value.Int(1), value.String("two"), value.Null{}}},
		{"ref", value.Ref{StorageID: "s1", Folder: "uploads"}},
		{"upload", value.Upload{Data: []byte{0, 1, 2}, Name: "a.bin"}},
		{"nested", value.Node{
			"line":  value.String("hello"),
			"photo": value.Ref{StorageID: "s2", Folder: "uploads"},
			"tags":  value.List{value.String("x")},
		}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeValue(tc.in)
			require.NoError(t, err)

			out, err := DecodeValue(data)
			require.NoError(t, err)
			assert.True(t, value.Equal(tc.in, out), "got %s", value.Format(out))
		})
	}
}

func TestUnmarshal_Invalid(t *testing.T) {
	var out interface{}
	err := Unmarshal([]byte{0xc1}, &out)
	assert.Error(t, err)
}

func TestConcurrentEncode(t *testing.T) {
	v := value.Node{"a": value.Int(1)}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				data, err := EncodeValue(v)
				if err != nil {
					t.Errorf("encode failed: %v", err)
					return
				}
				if _, err := DecodeValue(data); err != nil {
					t.Errorf("decode failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
