package rbac

import "encoding/json"

// ConstraintMap is an untyped key/value bag attached to permissions
// (attributes), role-permission assignments (constraints) and user-role
// assignments (scope). Values are restricted to the JSON scalar set: string,
// number, bool and null. Maps round-trip through JSONB columns, so numeric
// values always surface as float64.
type ConstraintMap map[string]any

// Merge overlays cm onto base and returns the combined bag. Keys present in
// both take cm's value. Neither input is mutated.
func (cm ConstraintMap) Merge(base ConstraintMap) ConstraintMap {
	if len(cm) == 0 && len(base) == 0 {
		return nil
	}
	merged := make(ConstraintMap, len(base)+len(cm))
	for k, v := range base {
		merged[k] = canonicalValue(v)
	}
	for k, v := range cm {
		merged[k] = canonicalValue(v)
	}
	return merged
}

// SubsetOf reports whether every key/value pair in cm is present in other
// under canonical scalar comparison. An empty map is a subset of anything.
func (cm ConstraintMap) SubsetOf(other ConstraintMap) bool {
	for k, want := range cm {
		got, ok := other[k]
		if !ok {
			return false
		}
		if !valueEqual(want, got) {
			return false
		}
	}
	return true
}

// Clone returns a shallow copy with canonicalized values.
func (cm ConstraintMap) Clone() ConstraintMap {
	if cm == nil {
		return nil
	}
	out := make(ConstraintMap, len(cm))
	for k, v := range cm {
		out[k] = canonicalValue(v)
	}
	return out
}

// canonicalValue collapses the accepted scalar types onto their canonical
// representation so that values compare equal regardless of whether they came
// from a JSON decode (float64, json.Number) or Go literals (int, int64).
func canonicalValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return t
	case bool:
		return t
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return t.String()
		}
		return f
	default:
		// Non-scalar values are not part of the constraint model; keep them
		// as-is so they fail equality against everything except themselves.
		return t
	}
}

func valueEqual(a, b any) bool {
	ca, cb := canonicalValue(a), canonicalValue(b)
	if ca == nil || cb == nil {
		return ca == nil && cb == nil
	}
	switch va := ca.(type) {
	case string:
		vb, ok := cb.(string)
		return ok && va == vb
	case bool:
		vb, ok := cb.(bool)
		return ok && va == vb
	case float64:
		vb, ok := cb.(float64)
		return ok && va == vb
	default:
		return false
	}
}
