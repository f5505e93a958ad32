package u

import (
	"errors"
	"fmt"
)

// ErrNotPathLike means a value could not be converted to a path string.
var ErrNotPathLike = errors.New("value is not path-like")

// PathString converts a path-like value to its string form. Accepted:
// a string, anything with a Path() string method, or a fmt.Stringer.
// The rest of the module operates on canonical path strings only, so this
// is the single conversion point for callers with richer path types.
func PathString(v any) (string, error) {
	switch p := v.(type) {
	case string:
		return p, nil
	case interface{ Path() string }:
		return p.Path(), nil
	case fmt.Stringer:
		return p.String(), nil
	}
	return "", fmt.Errorf("%w: %T", ErrNotPathLike, v)
}

// PathStrings converts a slice of path-like values via PathString.
func PathStrings(vs []any) ([]string, error) {
	res := make([]string, 0, len(vs))
	for _, v := range vs {
		s, err := PathString(v)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}
