package treepath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"doors/1", false},
		{"/doors/1/", false},
		{"doors", false},
		{"", false},
		{"undefined/undefined", true},
		{"doors/undefined", true},
		{"doors/null/line", true},
		{"doors//line", true},
		{"doors/nullable", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := Validate(tt.path)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPath)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSplitJoin(t *testing.T) {
	assert.Nil(t, Split("/"))
	assert.Equal(t, []string{"a", "b"}, Split("/a/b/"))
	assert.Equal(t, "a/b/c", Join("a/", "", "/b", "c"))
	assert.Equal(t, "a/b", Clean("//a/b/"))
}

func TestIsCollection(t *testing.T) {
	assert.True(t, IsCollection("doors"))
	assert.False(t, IsCollection("doors/1"))
	assert.True(t, IsCollection("doors/1/comments"))
}

func TestParentBase(t *testing.T) {
	assert.Equal(t, "doors", Parent("doors/1"))
	assert.Equal(t, "", Parent("doors"))
	assert.Equal(t, "1", Base("doors/1"))
	assert.Equal(t, "", Base(""))
}

func TestRelated(t *testing.T) {
	assert.True(t, Related("a/b", "a/b"))
	assert.True(t, Related("a", "a/b/c"))
	assert.True(t, Related("a/b/c", "a"))
	assert.True(t, Related("", "a/b"))
	assert.False(t, Related("a/b", "a/c"))
	assert.False(t, Related("a/b", "a/bc"))
	assert.False(t, IsAncestor("a/b", "a/b"))
}
