package dispatch

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/lynfabric/fabric/pkg/ferrors"
)

// Args is the decoded argument bag a call arrives with, whether from a
// transport-decoded JSON object or a CLI flag set assembled by cmd/fabric.
type Args map[string]any

func (a Args) missing(key string) error {
	return ferrors.New(ferrors.KindService, fmt.Sprintf("missing required argument %q", key))
}

func (a Args) wrongType(key string, want string) error {
	return ferrors.New(ferrors.KindService, fmt.Sprintf("argument %q must be a %s, got %T", key, want, a[key]))
}

// String returns args[key] as a string, erroring if absent or of the wrong type.
func (a Args) String(key string) (string, error) {
	v, ok := a[key]
	if !ok {
		return "", a.missing(key)
	}
	s, ok := v.(string)
	if !ok {
		return "", a.wrongType(key, "string")
	}
	return s, nil
}

// StringOr returns args[key] as a string, or def if the key is absent.
func (a Args) StringOr(key, def string) string {
	v, ok := a[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// Int64 returns args[key] as an int64, accepting any JSON-decoded numeric
// type (float64 from encoding/json, or a native int64 from a Go caller).
func (a Args) Int64(key string) (int64, error) {
	v, ok := a[key]
	if !ok {
		return 0, a.missing(key)
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, a.wrongType(key, "number")
	}
}

// BoolOr returns args[key] as a bool, or def if the key is absent.
func (a Args) BoolOr(key string, def bool) bool {
	v, ok := a[key]
	if !ok {
		return def
	}
	b, ok := v.(bool)
	if !ok {
		return def
	}
	return b
}

// UUID returns args[key] parsed as a uuid.UUID.
func (a Args) UUID(key string) (uuid.UUID, error) {
	s, err := a.String(key)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, ferrors.Wrap(ferrors.KindService, fmt.Sprintf("argument %q is not a uuid", key), err)
	}
	return id, nil
}

// StringSlice returns args[key] as a []string, accepting either a native
// []string or a []any of strings (the shape JSON decoding produces).
func (a Args) StringSlice(key string) ([]string, error) {
	v, ok := a[key]
	if !ok {
		return nil, a.missing(key)
	}
	switch s := v.(type) {
	case []string:
		return s, nil
	case []any:
		out := make([]string, len(s))
		for i, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, a.wrongType(key, "[]string")
			}
			out[i] = str
		}
		return out, nil
	default:
		return nil, a.wrongType(key, "[]string")
	}
}
