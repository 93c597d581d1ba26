package jsonutil

// DeepCopy copies JSON-shaped values (maps, slices, scalars) recursively.
func DeepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = DeepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = DeepCopy(val)
		}
		return out
	default:
		return v
	}
}

// CopyMap is DeepCopy for the common top-level map case.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return DeepCopy(m).(map[string]any)
}

// Merge returns a copy of base overlaid with every key of over.
func Merge(base, over map[string]any) map[string]any {
	out := CopyMap(base)
	for k, v := range over {
		out[k] = DeepCopy(v)
	}
	return out
}
