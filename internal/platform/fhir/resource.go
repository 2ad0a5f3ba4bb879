package fhir

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Resource is a decoded FHIR resource. Numbers are kept as json.Number so a
// decode/encode round trip does not alter numeric precision.
type Resource map[string]interface{}

// DecodeResource parses raw JSON into a Resource.
func DecodeResource(raw json.RawMessage) (Resource, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var r Resource
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	if r == nil {
		return nil, fmt.Errorf("decode resource: not a JSON object")
	}
	return r, nil
}

// Encode serialises the resource back to JSON.
func (r Resource) Encode() (json.RawMessage, error) {
	data, err := json.Marshal(map[string]interface{}(r))
	if err != nil {
		return nil, fmt.Errorf("encode resource: %w", err)
	}
	return data, nil
}

// Type returns the resourceType discriminator, or "" when absent.
func (r Resource) Type() string {
	s, _ := r["resourceType"].(string)
	return s
}

// ID returns the logical id, or "" when absent.
func (r Resource) ID() string {
	s, _ := r["id"].(string)
	return s
}

// Ref formats a "ResourceType/id" reference for logs and reports.
func (r Resource) Ref() string {
	id := r.ID()
	if id == "" {
		id = "?"
	}
	return r.Type() + "/" + id
}

// String returns the string stored under key, or "" when absent or not a string.
func (r Resource) String(key string) string {
	s, _ := r[key].(string)
	return s
}

// Objects returns the elements under key that are JSON objects. A single
// object is returned as a one-element slice.
func (r Resource) Objects(key string) []map[string]interface{} {
	return asObjects(r[key])
}

func asObjects(v interface{}) []map[string]interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{t}
	case []interface{}:
		out := make([]map[string]interface{}, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

// ObjectsOf is the map-level counterpart of Resource.Objects.
func ObjectsOf(m map[string]interface{}, key string) []map[string]interface{} {
	return asObjects(m[key])
}
