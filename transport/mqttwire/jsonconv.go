package mqttwire

import "encoding/json"

// structMarshalJSON round-trips v through encoding/json into a
// structpb-compatible map[string]any, reusing the envelope's own json
// tags instead of hand-writing a second mapping.
func structMarshalJSON(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// structUnmarshalJSON is the inverse of structMarshalJSON.
func structUnmarshalJSON(m map[string]any, out any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
