package duotone

import (
	"fmt"

	"github.com/aman-zulfiqar/mu-api-proxy/internal/constants"
	"github.com/aman-zulfiqar/mu-api-proxy/internal/query"
)

const urlKey = "duotoneUrl"

// locator finds the group objects inside a response value that may carry
// a photo_gradient
type locator func(value any) []map[string]any

var locators = map[string]locator{
	constants.TypeGroup: locateGroups,
	constants.TypeHome:  locateHomeGroups,
}

// Eligible reports whether responses of this type can carry duotones
func Eligible(typ string) bool {
	_, ok := locators[typ]
	return ok
}

// group: the value is a group, or a list of groups
func locateGroups(value any) []map[string]any {
	switch v := value.(type) {
	case map[string]any:
		return []map[string]any{v}
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, e := range v {
			if g, ok := e.(map[string]any); ok {
				out = append(out, g)
			}
		}
		return out
	}
	return nil
}

// home: value.rows[].items[] with type "group" hold the group under "group"
func locateHomeGroups(value any) []map[string]any {
	m, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	rows, _ := m["rows"].([]any)

	var out []map[string]any
	for _, r := range rows {
		row, ok := r.(map[string]any)
		if !ok {
			continue
		}
		items, _ := row["items"].([]any)
		for _, it := range items {
			item, ok := it.(map[string]any)
			if !ok || item["type"] != constants.TypeGroup {
				continue
			}
			if g, ok := item["group"].(map[string]any); ok {
				out = append(out, g)
			}
		}
	}
	return out
}

func gradientPair(group map[string]any) (Pair, bool) {
	pg, ok := group["photo_gradient"].(map[string]any)
	if !ok {
		return Pair{}, false
	}
	light, _ := pg["light_color"].(string)
	dark, _ := pg["dark_color"].(string)
	if light == "" || dark == "" {
		return Pair{}, false
	}
	return Pair{Light: light, Dark: dark}, true
}

// Collect returns the distinct duotone pairs referenced by a batch
func Collect(responses []query.QueryResponse) []Pair {
	seen := make(map[string]struct{})
	var out []Pair
	for _, r := range responses {
		loc, ok := locators[r.Type]
		if !ok || r.IsError() {
			continue
		}
		for _, g := range loc(r.Value) {
			p, ok := gradientPair(g)
			if !ok {
				continue
			}
			if _, dup := seen[p.Ref()]; dup {
				continue
			}
			seen[p.Ref()] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// Setter returns a post-processor that attaches duotoneUrl to every
// eligible group. Error responses and ineligible types are returned
// unchanged; eligible values are copied before being modified.
func Setter(urls URLMap) func(query.QueryResponse) query.QueryResponse {
	return func(r query.QueryResponse) query.QueryResponse {
		loc, ok := locators[r.Type]
		if !ok || r.IsError() || len(urls) == 0 {
			return r
		}

		value := clone(r.Value)
		changed := false
		for _, g := range loc(value) {
			p, ok := gradientPair(g)
			if !ok {
				continue
			}
			u, ok := urls[p.Ref()]
			if !ok {
				continue
			}
			if id, ok := keyPhotoID(g); ok {
				u = u + "/" + id + ".jpeg"
			}
			g[urlKey] = u
			changed = true
		}
		if !changed {
			return r
		}
		r.Value = value
		return r
	}
}

func keyPhotoID(group map[string]any) (string, bool) {
	kp, ok := group["key_photo"].(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := kp["id"]
	if !ok || id == nil {
		return "", false
	}
	s := fmt.Sprint(id)
	return s, s != ""
}

func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = clone(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = clone(e)
		}
		return s
	}
	return v
}
