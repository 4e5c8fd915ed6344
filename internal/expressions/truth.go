package expressions

// Truthy coerces an evaluation result into a branch decision. Booleans
// decide directly; nil, numeric zero and the empty string are false;
// any other value is true.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case uint64:
		return val != 0
	case float64:
		return val != 0
	default:
		return true
	}
}
