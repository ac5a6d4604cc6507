package articulation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanFences(t *testing.T) {
	blocks := scanFences("intro\n```c\nint x;\n```\nmid\n```\nplain\n```\n```py\nunclosed")
	require.Len(t, blocks, 3)

	assert.Equal(t, "c", blocks[0].info)
	assert.Equal(t, "int x;\n", blocks[0].body)
	assert.True(t, blocks[0].closed)

	assert.Equal(t, "", blocks[1].info)
	assert.Equal(t, "plain\n", blocks[1].body)

	assert.Equal(t, "py", blocks[2].info)
	assert.False(t, blocks[2].closed)
}

func TestScanFences_CodeOnOpeningLine(t *testing.T) {
	blocks := scanFences("```int a = 1;\nint b = 2;\n```")
	require.Len(t, blocks, 1)
	assert.Empty(t, blocks[0].info)
	assert.Equal(t, "int a = 1;\nint b = 2;\n", blocks[0].body)
}

func TestTaggedBody_Inline(t *testing.T) {
	b := scanFences("```C int x = 1;```")[0]
	require.True(t, b.inline)

	body, ok := b.taggedBody("c")
	require.True(t, ok)
	assert.Equal(t, " int x = 1;", body)

	_, ok = b.taggedBody("cpp")
	assert.False(t, ok)
}

func TestStripOuterFence(t *testing.T) {
	assert.Equal(t, `{"a":"b"}`, stripOuterFence("```json\n{\"a\":\"b\"}\n```"))
	assert.Equal(t, `{"a":"b"}`, stripOuterFence("  ```\n{\"a\":\"b\"}\n```  "))
	assert.Equal(t, `{"a":"b"}`, stripOuterFence(`{"a":"b"}`))
	assert.Equal(t, "text ```x```", stripOuterFence("text ```x```"))
}

func TestScanFences_Nested(t *testing.T) {
	blocks := scanFences("```c\nint a;\n```sh\nmake\n```\nint b;\n```\nafter\n```\ntail\n```")
	require.Len(t, blocks, 2)
	assert.Equal(t, "c", blocks[0].info)
	assert.Equal(t, "int a;\n```sh\nmake\n```\nint b;\n", blocks[0].body)
	assert.True(t, blocks[0].closed)
	assert.Equal(t, "tail\n", blocks[1].body)
}

func TestScanFences_UnbalancedFallsBackToNextMarker(t *testing.T) {
	blocks := scanFences("```c\nint x;\n```python\nprint(1)\n```")
	require.NotEmpty(t, blocks)
	assert.Equal(t, "c", blocks[0].info)
	assert.Equal(t, "int x;\n", blocks[0].body)
	assert.True(t, blocks[0].closed)
}

func TestScanFences_TrailingMarkerCloses(t *testing.T) {
	blocks := scanFences("```c\nint x;```")
	require.Len(t, blocks, 1)
	assert.True(t, blocks[0].closed)
	assert.Equal(t, "int x;", blocks[0].body)
}

func TestStripOuterFence_InlineTag(t *testing.T) {
	assert.Equal(t, `{"a":"b"}`, stripOuterFence("```json {\"a\":\"b\"}```"))
	assert.Equal(t, `{"a":"b"}`, stripOuterFence("```json{\"a\":\"b\"}```"))
	assert.Equal(t, `{"a":"b"}`, stripOuterFence("```{\"a\":\"b\"}```"))
}
