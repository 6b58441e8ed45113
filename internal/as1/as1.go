// Package as1 implements the canonical AS1-like activity representation: a
// loosely-typed tagged record where id-bearing fields (actor, object,
// inReplyTo, …) may be either a bare id string or an embedded record. Uses a
// plain map[string]interface{} convention for wire-shaped data rather than a
// rigid struct, since AS1's polymorphism does not fit one.
package as1

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/gowebpki/jcs"
)

// Activity is the canonical, protocol-agnostic activity/object record.
// Fields: id, objectType, verb, actor/author, object, inReplyTo, to, cc,
// tags, plus display fields.
type Activity map[string]any

// ContentHash returns a stable hex-encoded sha256 digest of a's canonical
// JSON Canonicalization Scheme (RFC 8785) form, independent of map key
// order or whitespace. Used to tell a genuinely-changed replay of an
// activity id apart from a byte-for-byte duplicate.
func ContentHash(a Activity) (string, error) {
	raw, err := json.Marshal(map[string]any(a))
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// ActorKinds are the objectType values that denote a user/actor principal.
var ActorKinds = map[string]bool{
	"person":       true,
	"application":  true,
	"service":      true,
	"group":        true,
	"organization": true,
}

// PublicAudience is the well-known pseudo-id meaning "any recipient".
const PublicAudience = "https://www.w3.org/ns/activitystreams#Public"

// GetID returns the id of a value that is either a bare id string or an
// embedded record with an "id" field.
func GetID(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case Activity:
		id, _ := t["id"].(string)
		return id
	case map[string]any:
		id, _ := t["id"].(string)
		return id
	}
	return ""
}

// AsRecord returns v as an Activity, wrapping a bare id string as {"id": v}.
func AsRecord(v any) Activity {
	switch t := v.(type) {
	case Activity:
		return t
	case map[string]any:
		return Activity(t)
	case string:
		if t == "" {
			return nil
		}
		return Activity{"id": t}
	}
	return nil
}

// IsBareID reports whether v is (or reduces to) a record containing only an
// "id" key — i.e. it carries no embedded data to render.
func IsBareID(v any) bool {
	switch t := v.(type) {
	case string:
		return t != ""
	case Activity:
		return len(t) == 1 && t["id"] != nil
	case map[string]any:
		return len(t) == 1 && t["id"] != nil
	}
	return false
}

// GetObject returns the "object" field as a record.
func (a Activity) GetObject() Activity {
	return AsRecord(a["object"])
}

// GetOwner returns the id of the activity's actor/author — whichever is
// present — falling back to the object's actor/author for bare objects.
func (a Activity) GetOwner() string {
	if id := GetID(a["actor"]); id != "" {
		return id
	}
	if id := GetID(a["author"]); id != "" {
		return id
	}
	obj := a.GetObject()
	if obj == nil {
		return ""
	}
	if id := GetID(obj["actor"]); id != "" {
		return id
	}
	return GetID(obj["author"])
}

// Type returns the verb for activities, otherwise the objectType.
func (a Activity) Type() string {
	if verb, _ := a["verb"].(string); verb != "" {
		return verb
	}
	ot, _ := a["objectType"].(string)
	return ot
}

// IDs normalizes a field that may be a string, a record, or a list of
// strings/records into a flat list of ids. Used for "to", "cc", and similar
// recipient-ish fields.
func (a Activity) IDs(field string) []string {
	return IDsOf(a[field])
}

// IDsOf normalizes an arbitrary AS1 field value into a flat list of ids.
func IDsOf(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case Activity:
		if id := GetID(t); id != "" {
			return []string{id}
		}
		return nil
	case map[string]any:
		if id := GetID(t); id != "" {
			return []string{id}
		}
		return nil
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, IDsOf(item)...)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	}
	return nil
}

// Tag is a single entry in the "tags" field.
type Tag struct {
	ObjectType string
	URL        string
}

// MentionURLs returns the url of every tag whose objectType is "mention".
func (a Activity) MentionURLs() []string {
	raw, _ := a["tags"].([]any)
	var out []string
	for _, item := range raw {
		rec := AsRecord(item)
		if rec == nil {
			continue
		}
		ot, _ := rec["objectType"].(string)
		if ot != "mention" {
			continue
		}
		if url, _ := rec["url"].(string); url != "" {
			out = append(out, url)
		}
	}
	return out
}

// Clone returns a deep-enough copy of a for in-place rewriting: top-level
// keys are copied, and the object/actor/author sub-records (if embedded)
// are copied too, since id translation always mutates a copy, never the
// original.
func (a Activity) Clone() Activity {
	if a == nil {
		return nil
	}
	out := make(Activity, len(a))
	for k, v := range a {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Activity:
		return t.Clone()
	case map[string]any:
		return Activity(t).Clone()
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
