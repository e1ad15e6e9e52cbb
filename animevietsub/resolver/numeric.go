package resolver

import "math"

// ExtractNumericID returns the largest decimal run in s, scanning left to
// right. A string without digits yields 0. Runs too long for int64 saturate
// at math.MaxInt64.
func ExtractNumericID(s string) int64 {
	var maxVal, cur int64
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch < '0' || ch > '9' {
			cur = 0
			continue
		}
		d := int64(ch - '0')
		if cur > (math.MaxInt64-d)/10 {
			cur = math.MaxInt64
		} else {
			cur = cur*10 + d
		}
		if cur >= maxVal {
			maxVal = cur
		}
	}
	return maxVal
}
