// Package cast converts the any-typed values produced by bencode decoding
// into the concrete Go types metainfo and tracker-response parsing need.
package cast

import "fmt"

// ToString coerces v to a string. Bencode byte strings decode as Go
// strings already; this also accepts []byte for values built programmatically.
func ToString(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case []byte:
		return string(t), nil
	default:
		return "", fmt.Errorf("cast: not a string: %T", v)
	}
}

// ToBytes coerces v to a byte slice.
func ToBytes(v any) ([]byte, error) {
	switch t := v.(type) {
	case []byte:
		return t, nil
	case string:
		return []byte(t), nil
	default:
		return nil, fmt.Errorf("cast: not a byte string: %T", v)
	}
}

// ToInt coerces v to an int64.
func ToInt(v any) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	default:
		return 0, fmt.Errorf("cast: not an int: %T", v)
	}
}

// ToStringSlice coerces v to a []string, requiring every element to be a
// bencode byte string.
func ToStringSlice(v any) ([]string, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cast: not a list: %T", v)
	}

	out := make([]string, 0, len(list))
	for i, e := range list {
		s, err := ToString(e)
		if err != nil {
			return nil, fmt.Errorf("cast: elem %d: %w", i, err)
		}

		out = append(out, s)
	}

	return out, nil
}

// ToTieredStrings coerces v to a [][]string, the shape of a metainfo
// announce-list (BEP 12): a list of tiers, each a non-empty list of URLs.
func ToTieredStrings(v any) ([][]string, error) {
	tiers, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("cast: not a list: %T", v)
	}

	out := make([][]string, 0, len(tiers))
	for i, t := range tiers {
		ss, err := ToStringSlice(t)
		if err != nil || len(ss) == 0 {
			return nil, fmt.Errorf("cast: tier %d: invalid", i)
		}

		out = append(out, ss)
	}

	return out, nil
}
