package fhir

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidBundle is returned when a payload cannot be parsed as a Bundle or
// fails structural validation. It is a caller error and is never retried.
var ErrInvalidBundle = errors.New("invalid bundle")

// Bundle represents a FHIR Bundle resource. Only the members the pipeline
// reads are decoded; every other envelope member (id, meta, identifier,
// timestamp, signature, extensions) is carried through verbatim and in its
// original position.
type Bundle struct {
	ResourceType string
	Type         string
	Entry        []BundleEntry

	members members
}

// BundleEntry is one entry of a Bundle. Members other than resource and
// response (fullUrl, link, search, request, extensions) are kept verbatim.
type BundleEntry struct {
	Resource json.RawMessage
	Response json.RawMessage

	members members
}

// ParseBundle decodes a JSON payload into a Bundle. Only the envelope is
// decoded; entry resources stay as raw JSON until a handler needs them.
func ParseBundle(data []byte) (*Bundle, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: top-level value must be a JSON object", ErrInvalidBundle)
	}

	var b Bundle
	if err := json.Unmarshal(trimmed, &b); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidBundle, err.Error())
	}
	return &b, nil
}

func (b *Bundle) UnmarshalJSON(data []byte) error {
	m, err := decodeMembers(data)
	if err != nil {
		return err
	}
	*b = Bundle{members: m}
	for _, f := range m {
		switch f.key {
		case "resourceType":
			err = json.Unmarshal(f.value, &b.ResourceType)
		case "type":
			err = json.Unmarshal(f.value, &b.Type)
		case "entry":
			err = json.Unmarshal(f.value, &b.Entry)
		}
		if err != nil {
			return fmt.Errorf("bundle.%s: %w", f.key, err)
		}
	}
	return nil
}

func (b Bundle) MarshalJSON() ([]byte, error) {
	m := b.members.clone()
	var err error
	if m, err = m.put("resourceType", b.ResourceType, b.ResourceType != ""); err != nil {
		return nil, err
	}
	if m, err = m.put("type", b.Type, b.Type != ""); err != nil {
		return nil, err
	}
	entry := b.Entry
	if entry == nil {
		entry = []BundleEntry{}
	}
	if m, err = m.put("entry", entry, len(b.Entry) > 0); err != nil {
		return nil, err
	}
	return m.encode()
}

func (e *BundleEntry) UnmarshalJSON(data []byte) error {
	m, err := decodeMembers(data)
	if err != nil {
		return err
	}
	*e = BundleEntry{members: m}
	for _, f := range m {
		switch f.key {
		case "resource":
			e.Resource = f.value
		case "response":
			e.Response = f.value
		}
	}
	return nil
}

func (e BundleEntry) MarshalJSON() ([]byte, error) {
	m := e.members.clone()
	var err error
	if m, err = m.put("resource", e.Resource, len(e.Resource) > 0); err != nil {
		return nil, err
	}
	if m, err = m.put("response", e.Response, len(e.Response) > 0); err != nil {
		return nil, err
	}
	return m.encode()
}

// Marshal encodes the bundle with two-space indentation.
func (b *Bundle) Marshal() ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// Clone returns a deep copy of the bundle. Entry resources are copied byte
// for byte so rewriting the clone never touches the original.
func (b *Bundle) Clone() *Bundle {
	out := *b
	out.members = b.members.clone()
	out.Entry = make([]BundleEntry, len(b.Entry))
	for i, e := range b.Entry {
		out.Entry[i] = BundleEntry{
			Resource: cloneRaw(e.Resource),
			Response: cloneRaw(e.Response),
			members:  e.members.clone(),
		}
	}
	return &out
}

// Resources decodes every entry resource in bundle order. Entries without a
// resource decode to nil.
func (b *Bundle) Resources() ([]Resource, error) {
	out := make([]Resource, len(b.Entry))
	for i, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		r, err := DecodeResource(e.Resource)
		if err != nil {
			return nil, fmt.Errorf("entry[%d]: %w", i, err)
		}
		out[i] = r
	}
	return out, nil
}

// CountByType tallies entry resources by resourceType.
func (b *Bundle) CountByType() map[string]int {
	counts := make(map[string]int)
	for _, e := range b.Entry {
		if len(e.Resource) == 0 {
			continue
		}
		var head struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(e.Resource, &head); err != nil {
			continue
		}
		counts[head.ResourceType]++
	}
	return counts
}
