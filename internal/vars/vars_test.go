// ABOUTME: Tests for placeholder rendering, merging and input capture
// ABOUTME: Covers nested paths, indexed array items, JSON.stringify and NA fallback

package vars

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decoded(t *testing.T, s string) any {
	t.Helper()
	var out any
	require.NoError(t, json.Unmarshal([]byte(s), &out))
	return out
}

func TestRender(t *testing.T) {
	v := Vars{}
	v.Set("name", "Ada")
	v.Merge(decoded(t, `{"profile":{"age":36,"langs":["go","c"]},"score":4.50}`))

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "hello there", "hello there"},
		{"flat variable", "Hi {{{name}}}!", "Hi Ada!"},
		{"nested path", "age {{{profile.age}}}", "age 36"},
		{"array index in path", "{{{profile.langs[1]}}}", "c"},
		{"number without trailing zeros", "{{{score}}}", "4.5"},
		{"object renders as json", "{{{profile.langs}}}", `["go","c"]`},
		{"missing path", "x={{{nope.deeper}}}", "x=NA"},
		{"whitespace around key", "{{{ name }}}", "Ada"},
		{"stringify", "{{{JSON.stringify(profile)}}}", `{"age":36,"langs":["go","c"]}`},
		{"stringify missing", "{{{JSON.stringify(nope)}}}", "NA"},
		{"several tokens", "{{{name}}}/{{{profile.age}}}", "Ada/36"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.Render(tt.in))
		})
	}
}

func TestRender_IndexedItems(t *testing.T) {
	v := Vars{}
	v.Merge(decoded(t, `[{"title":"first","meta":{"id":7}},{"title":"second"}]`))

	assert.Equal(t, "first", v.Render("{{{[0].title}}}"))
	assert.Equal(t, "7", v.Render("{{{[0].meta.id}}}"))
	assert.Equal(t, "second", v.Render("{{{[1].title}}}"))
	assert.Equal(t, "NA", v.Render("{{{[5].title}}}"))
	assert.Equal(t, "NA", v.Render("{{{[1].meta.id}}}"))
}

func TestMerge(t *testing.T) {
	v := Vars{"keep": "yes", "over": "old"}
	v.Merge(decoded(t, `{"over":"new","extra":1}`))
	assert.Equal(t, "yes", v["keep"])
	assert.Equal(t, "new", v["over"])
	assert.Equal(t, float64(1), v["extra"])

	v.Merge("scalar is ignored")
	assert.Len(t, v, 3)
}

func TestRenderJSON(t *testing.T) {
	v := Vars{"name": "Ada", "order": map[string]any{"id": "A-1"}}

	out, err := v.RenderJSON(json.RawMessage(`{"type":"text","text":{"body":"Hi {{{name}}}, order {{{order.id}}}","preview_url":true},"n":12345678901}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"text","text":{"body":"Hi Ada, order A-1","preview_url":true},"n":12345678901}`, string(out))

	_, err = v.RenderJSON(json.RawMessage(`{not json`))
	assert.Error(t, err)
}

func TestDecodeEncode(t *testing.T) {
	v, err := Decode(nil)
	require.NoError(t, err)
	assert.Empty(t, v)

	v, err = Decode(json.RawMessage(`{"a":"b"}`))
	require.NoError(t, err)
	assert.Equal(t, "b", v["a"])

	raw, err := v.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"b"}`, string(raw))

	_, err = Decode(json.RawMessage(`[1,2`))
	assert.Error(t, err)
}

func TestCapture(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		pattern string
		want    string
	}{
		{"no pattern captures whole text", "my email is a@b.co", "", "my email is a@b.co"},
		{"bare pattern", "order 4421 please", `\d+`, "4421"},
		{"slash form", "Call me at 555-0101", `/\d{3}-\d{4}/`, "555-0101"},
		{"case-insensitive flag", "YES please", "/yes/i", "YES"},
		{"global flag ignored", "a1 b2", "/[a-z]\\d/g", "a1"},
		{"no match yields empty", "nothing here", `/\d+/`, ""},
		{"invalid pattern yields empty", "text", "/(unclosed/", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Capture(tt.text, tt.pattern))
		})
	}
}
