// Package ids reduces the identifier shapes the platform emits to a single
// canonical string. Nothing else in the module inspects raw id shapes.
package ids

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Kind tags the shape held by a RawID.
type Kind int

const (
	KindNull Kind = iota
	KindScalar
	KindObject
)

// genericObject is what a naive stringification of an object produces.
const genericObject = "[object Object]"

// maxDepth bounds recursion through nested references.
const maxDepth = 8

// nestedKeys are tried in order after $oid.
var nestedKeys = []string{"_id", "userid", "id"}

// RawID is a tagged union over the identifier shapes seen on the wire:
// a plain scalar, a wrapped object id ({"$oid": ...}), a nested reference
// ({"_id"}, {"userid"}, {"id"}), or an unrecognized object.
type RawID struct {
	Kind   Kind
	Scalar string
	Fields map[string]RawID
	// Text is the fallback stringification of an unrecognized object.
	Text string
}

// Null is the absent identifier.
var Null = RawID{Kind: KindNull}

// String wraps a plain string id.
func String(s string) RawID {
	return RawID{Kind: KindScalar, Scalar: s}
}

// OID wraps s in the {"$oid": s} shape.
func OID(s string) RawID {
	return Object(map[string]RawID{"$oid": String(s)})
}

// Ref builds a nested reference {key: inner}.
func Ref(key string, inner RawID) RawID {
	return Object(map[string]RawID{key: inner})
}

// Object builds an object-shaped RawID from its fields.
func Object(fields map[string]RawID) RawID {
	return RawID{Kind: KindObject, Fields: fields, Text: genericObject}
}

// Opaque is an object with no recognized id fields whose string form is text,
// such as a driver-specific id type that only implements fmt.Stringer.
func Opaque(text string) RawID {
	return RawID{Kind: KindObject, Text: text}
}

// UnmarshalJSON lets RawID appear directly in decoded payloads.
func (r *RawID) UnmarshalJSON(data []byte) error {
	*r = ParseRaw(data)
	return nil
}

// ParseRaw builds a RawID from wire JSON. Invalid JSON yields Null.
func ParseRaw(data json.RawMessage) RawID {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Null
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return Null
	}
	return fromValue(v)
}

func fromValue(v any) RawID {
	switch t := v.(type) {
	case nil:
		return Null
	case string:
		return String(t)
	case json.Number:
		return String(t.String())
	case float64:
		return String(strconv.FormatFloat(t, 'f', -1, 64))
	case bool:
		return String(strconv.FormatBool(t))
	case map[string]any:
		fields := make(map[string]RawID, len(t))
		for k, fv := range t {
			fields[k] = fromValue(fv)
		}
		return Object(fields)
	default:
		// Arrays and anything else cannot carry an identity.
		return RawID{Kind: KindObject, Text: genericObject}
	}
}

// Normalize resolves raw to a canonical id. Resolution order is scalar,
// then $oid, then recursion into _id, userid and id, then the object's
// stringified form unless it is the generic object string. ok is false
// when no identity can be established; callers must skip, not guess.
func Normalize(raw RawID) (string, bool) {
	return normalize(raw, 0)
}

func normalize(raw RawID, depth int) (string, bool) {
	if depth > maxDepth {
		return "", false
	}
	switch raw.Kind {
	case KindScalar:
		s := strings.TrimSpace(raw.Scalar)
		if s == "" || s == genericObject {
			return "", false
		}
		return s, true
	case KindObject:
		if oid, ok := raw.Fields["$oid"]; ok && oid.Kind == KindScalar {
			if s, ok := normalize(oid, depth+1); ok {
				return s, true
			}
		}
		for _, key := range nestedKeys {
			if inner, ok := raw.Fields[key]; ok {
				if s, ok := normalize(inner, depth+1); ok {
					return s, true
				}
			}
		}
		s := strings.TrimSpace(raw.Text)
		if s == "" || s == genericObject {
			return "", false
		}
		return s, true
	default:
		return "", false
	}
}

// NormalizeJSON parses and normalizes a wire id in one step.
func NormalizeJSON(data json.RawMessage) (string, bool) {
	return Normalize(ParseRaw(data))
}
