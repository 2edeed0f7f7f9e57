package normalize

import (
	"encoding/json"
	"sort"
)

// Body decodes a POST body and projects the given field names into a
// canonical JSON object: fields absent from the body are included as JSON
// null, and keys are written in sorted order. encoding/json already
// marshals map keys in sorted order, so building a map and marshaling it
// satisfies the "sort keys, re-encode canonically" requirement directly
// without a custom encoder.
//
// fields is typically {post_body_id} ∪ vary_body_field_list from the
// matched cache_entry; callers are responsible for computing that union.
// Byte-stability across permutations of the same field set (spec P4) falls
// out of deduping+sorting fields before projection.
func Body(raw []byte, fields []string) ([]byte, error) {
	unique := dedupeSorted(fields)
	if len(unique) == 0 {
		return []byte("{}"), nil
	}

	var decoded map[string]json.RawMessage
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return nil, err
		}
	}

	projected := make(map[string]json.RawMessage, len(unique))
	for _, field := range unique {
		if value, ok := decoded[field]; ok {
			projected[field] = value
			continue
		}
		projected[field] = json.RawMessage("null")
	}
	return json.Marshal(projected)
}

func dedupeSorted(fields []string) []string {
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
