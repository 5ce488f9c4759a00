// ABOUTME: Per-conversation variable map persisted with the flow cursor
// ABOUTME: Resolves {{{path}}} placeholders and captures TAKE_INPUT values

package vars

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/oliveagle/jsonpath"
)

// Unresolved is rendered for any placeholder whose path has no value.
const Unresolved = "NA"

// ItemsKey holds the body of a side-call response that was a JSON array.
// Placeholders of the form {{{[n].path}}} index into it.
const ItemsKey = "_items"

var placeholderRe = regexp.MustCompile(`\{\{\{(.*?)\}\}\}`)

var indexedRe = regexp.MustCompile(`^\[(\d+)\](?:\.(.+))?$`)

// Vars is a flat accumulation map. Values are scalars or decoded JSON
// fragments (map[string]any, []any).
type Vars map[string]any

// Decode parses a persisted variable map. Empty input yields an empty map.
func Decode(raw json.RawMessage) (Vars, error) {
	v := Vars{}
	if len(bytes.TrimSpace(raw)) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Vars{}, fmt.Errorf("decoding variables: %w", err)
	}
	return v, nil
}

// Encode serializes the map for persistence.
func (v Vars) Encode() (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(map[string]any(v))
}

// Set stores a single value.
func (v Vars) Set(name string, value any) {
	v[name] = value
}

// Merge folds a decoded side-call response into the map. Object keys
// overwrite existing ones; an array is stored whole under ItemsKey.
// Anything else is ignored.
func (v Vars) Merge(data any) {
	switch d := data.(type) {
	case map[string]any:
		for k, val := range d {
			v[k] = val
		}
	case []any:
		v[ItemsKey] = d
	}
}

// Lookup resolves a dot path such as "user.name", "list[2].id" or "[0].id".
func (v Vars) Lookup(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	if val, ok := v[path]; ok {
		return val, val != nil
	}

	if m := indexedRe.FindStringSubmatch(path); m != nil {
		path = ItemsKey + "[" + m[1] + "]"
		if m[2] != "" {
			path += "." + m[2]
		}
	}
	return v.jsonPath("$." + path)
}

func (v Vars) jsonPath(expr string) (val any, ok bool) {
	defer func() {
		if recover() != nil {
			val, ok = nil, false
		}
	}()
	res, err := jsonpath.JsonPathLookup(map[string]any(v), expr)
	if err != nil || res == nil {
		return nil, false
	}
	return res, true
}

// Render replaces every {{{path}}} in s. {{{JSON.stringify(path)}}} renders
// the JSON encoding of the value. Unresolved paths render as "NA".
func (v Vars) Render(s string) string {
	if !strings.Contains(s, "{{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(tok string) string {
		key := strings.TrimSpace(tok[3 : len(tok)-3])

		if inner, ok := strings.CutPrefix(key, "JSON.stringify("); ok && strings.HasSuffix(inner, ")") {
			val, found := v.Lookup(strings.TrimSuffix(inner, ")"))
			if !found {
				return Unresolved
			}
			b, err := json.Marshal(val)
			if err != nil {
				return Unresolved
			}
			return string(b)
		}

		val, found := v.Lookup(key)
		if !found {
			return Unresolved
		}
		return Format(val)
	})
}

// RenderJSON renders placeholders in every string value of a JSON document,
// leaving keys and non-string values untouched.
func (v Vars) RenderJSON(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding template: %w", err)
	}
	out, err := json.Marshal(v.renderValue(doc))
	if err != nil {
		return nil, fmt.Errorf("encoding rendered template: %w", err)
	}
	return out, nil
}

func (v Vars) renderValue(node any) any {
	switch n := node.(type) {
	case string:
		return v.Render(n)
	case map[string]any:
		for k, val := range n {
			n[k] = v.renderValue(val)
		}
		return n
	case []any:
		for i, val := range n {
			n[i] = v.renderValue(val)
		}
		return n
	default:
		return n
	}
}

// Format renders a variable value as text: strings verbatim, numbers
// without trailing zeros, everything else as JSON.
func Format(val any) string {
	switch t := val.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return Unresolved
	}
	b, err := json.Marshal(val)
	if err != nil {
		return fmt.Sprint(val)
	}
	return string(b)
}
