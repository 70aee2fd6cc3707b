package coordination

import (
	"encoding/json"
	"fmt"

	"github.com/opsfleet/orchestrator/internal/coreerr"
)

// Merge combines a list of source result maps per strategy. A pure function,
// independent of the store, so merge semantics are unit-testable directly.
func Merge(sources []map[string]any, strategy MergeStrategy) (map[string]any, error) {
	switch strategy {
	case MergeCombine:
		return mergeCombine(sources), nil
	case MergeIntersection:
		return mergeIntersection(sources), nil
	case MergeMajority:
		return mergeMajority(sources), nil
	default:
		return nil, coreerr.Validation(fmt.Sprintf("unknown merge strategy %q", strategy))
	}
}

// mergeCombine is a dict union with last-writer-wins on key collisions.
func mergeCombine(sources []map[string]any) map[string]any {
	out := map[string]any{}
	for _, m := range sources {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// mergeIntersection keeps only keys present in every source, taking the
// last source's value for each.
func mergeIntersection(sources []map[string]any) map[string]any {
	if len(sources) == 0 {
		return map[string]any{}
	}
	out := map[string]any{}
	for k, v := range sources[0] {
		present := true
		for _, m := range sources[1:] {
			if _, ok := m[k]; !ok {
				present = false
				break
			}
		}
		if present {
			out[k] = v
		}
	}
	for _, m := range sources[1:] {
		for k := range out {
			if v, ok := m[k]; ok {
				out[k] = v
			}
		}
	}
	return out
}

// mergeMajority picks, per key, the value with the highest occurrence count
// across sources (ties keep the first-seen value). Values are compared by
// their canonical JSON encoding rather than used directly as map keys,
// since a result value can be a nested map or slice, which Go maps cannot
// key on directly.
func mergeMajority(sources []map[string]any) map[string]any {
	type tally struct {
		value any
		count int
	}
	counts := map[string]map[string]int{}
	values := map[string]map[string]any{}
	order := map[string][]string{}

	for _, m := range sources {
		for k, v := range m {
			vk, err := valueKey(v)
			if err != nil {
				continue
			}
			if counts[k] == nil {
				counts[k] = map[string]int{}
				values[k] = map[string]any{}
			}
			if counts[k][vk] == 0 {
				order[k] = append(order[k], vk)
				values[k][vk] = v
			}
			counts[k][vk]++
		}
	}

	out := map[string]any{}
	for k, byValue := range counts {
		best := tally{}
		first := true
		for _, vk := range order[k] {
			c := byValue[vk]
			if first || c > best.count {
				best = tally{value: values[k][vk], count: c}
				first = false
			}
		}
		out[k] = best.value
	}
	return out
}

// valueKey returns v's canonical JSON encoding, used as a stable, hashable
// map key in place of v itself.
func valueKey(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
