package utils // import "github.com/osworld-broker/broker/utils"

// StringSliceContains returns true if the given string slice contains string val, and false otherwise.
func StringSliceContains(slice []string, val string) bool {
	for _, v := range slice {
		if v == val {
			return true
		}
	}
	return false
}

// StringSliceDedup returns a copy of the given slice with duplicate entries
// removed, preserving the order of first appearance.
func StringSliceDedup(slice []string) []string {
	seen := make(map[string]struct{}, len(slice))
	result := make([]string, 0, len(slice))
	for _, v := range slice {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
