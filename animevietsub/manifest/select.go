package manifest

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// better reports whether candidate outranks current: height first,
// bandwidth as the tiebreaker.
func better(candidate, current Variant) bool {
	if candidate.Height != current.Height {
		return candidate.Height > current.Height
	}
	return candidate.Bandwidth > current.Bandwidth
}

// withinHeight checks the variant height against [minHeight, maxHeight].
// A bound of 0 is ignored.
func withinHeight(v Variant, minHeight, maxHeight int) bool {
	if minHeight > 0 && v.Height < minHeight {
		return false
	}
	if maxHeight > 0 && v.Height > maxHeight {
		return false
	}
	return true
}

// SelectVariant chooses a rendition. Supported selectors:
//   - best: highest height, then bandwidth (also the default)
//   - worst: lowest height, then bandwidth
//   - height<=NNN / height>=NNN: best variant inside the bound
//   - bandwidth<=NNN: best variant whose bandwidth fits
//
// When a constraint matches nothing the full list is used, so a playable
// variant is always returned for a non-empty list.
func SelectVariant(variants []Variant, selector string) (*Variant, error) {
	if len(variants) == 0 {
		return nil, ErrNoVariants
	}
	q := strings.ToLower(strings.ReplaceAll(selector, " ", ""))

	filtered := variants
	var minH, maxH int
	var maxBW uint64
	switch {
	case strings.HasPrefix(q, "height<="):
		v, err := strconv.Atoi(strings.TrimPrefix(q, "height<="))
		if err != nil {
			return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
		}
		maxH = v
	case strings.HasPrefix(q, "height>="):
		v, err := strconv.Atoi(strings.TrimPrefix(q, "height>="))
		if err != nil {
			return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
		}
		minH = v
	case strings.HasPrefix(q, "bandwidth<="):
		v, err := strconv.ParseUint(strings.TrimPrefix(q, "bandwidth<="), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
		}
		maxBW = v
	case q == "", q == "best", q == "worst":
	default:
		return nil, fmt.Errorf("unknown selector %q", selector)
	}

	if minH > 0 || maxH > 0 || maxBW > 0 {
		tmp := make([]Variant, 0, len(variants))
		for _, v := range variants {
			if !withinHeight(v, minH, maxH) {
				continue
			}
			if maxBW > 0 && uint64(v.Bandwidth) > maxBW {
				continue
			}
			tmp = append(tmp, v)
		}
		if len(tmp) > 0 {
			filtered = tmp
		}
	}

	pick := filtered[0]
	for _, v := range filtered[1:] {
		if q == "worst" {
			if better(pick, v) {
				pick = v
			}
		} else if better(v, pick) {
			pick = v
		}
	}
	return &pick, nil
}

// Label names a variant for a quality menu: "720p", or "1500k" when the
// resolution is unknown.
func (v Variant) Label() string {
	if v.Height > 0 {
		return strconv.Itoa(v.Height) + "p"
	}
	if v.Bandwidth > 0 {
		return strconv.FormatUint(uint64(v.Bandwidth/1000), 10) + "k"
	}
	return "auto"
}

// QualityLabels returns distinct labels ordered best first.
func QualityLabels(variants []Variant) []string {
	sorted := append([]Variant(nil), variants...)
	sort.SliceStable(sorted, func(i, j int) bool { return better(sorted[i], sorted[j]) })

	seen := make(map[string]bool, len(sorted))
	labels := make([]string, 0, len(sorted))
	for _, v := range sorted {
		l := v.Label()
		if seen[l] {
			continue
		}
		seen[l] = true
		labels = append(labels, l)
	}
	return labels
}
