package message

// Cloner is implemented by values that know how to deep copy themselves.
type Cloner interface {
	Clone() any
}

// Clone returns a deep copy of v for the container shapes produced by
// JSON decoding and common Go literals. Values implementing Cloner are
// copied with Clone. Any other value is returned as is, so pointers and
// structs holding references stay shared.
func Clone(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		if t == nil {
			return t
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	case []any:
		if t == nil {
			return t
		}
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	case map[string]string:
		if t == nil {
			return t
		}
		out := make(map[string]string, len(t))
		for k, e := range t {
			out[k] = e
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case []int:
		return append([]int(nil), t...)
	case []float64:
		return append([]float64(nil), t...)
	case []byte:
		return append([]byte(nil), t...)
	case Cloner:
		return t.Clone()
	default:
		return v
	}
}

// CloneMap deep copies every value of m.
func CloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}
