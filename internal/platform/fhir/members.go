package fhir

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// member is one name/value pair of a JSON object, value kept verbatim.
type member struct {
	key   string
	value json.RawMessage
}

// members is a JSON object that remembers member order.
type members []member

// decodeMembers splits a JSON object into its members in document order. A
// repeated name keeps its first position and its last value.
func decodeMembers(data []byte) (members, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, errors.New("expected a JSON object")
	}

	var m members
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errors.New("expected an object member name")
		}
		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return nil, err
		}
		m = m.set(key, value)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON object")
	}
	return m, nil
}

func (m members) set(key string, value json.RawMessage) members {
	for i := range m {
		if m[i].key == key {
			m[i].value = value
			return m
		}
	}
	return append(m, member{key: key, value: value})
}

// put sets key to the encoding of v when keep is true and removes it
// otherwise.
func (m members) put(key string, v any, keep bool) (members, error) {
	if !keep {
		out := m[:0]
		for _, f := range m {
			if f.key != key {
				out = append(out, f)
			}
		}
		return out, nil
	}
	raw, ok := v.(json.RawMessage)
	if !ok {
		var err error
		if raw, err = json.Marshal(v); err != nil {
			return nil, err
		}
	}
	return m.set(key, raw), nil
}

func (m members) clone() members {
	if m == nil {
		return nil
	}
	out := make(members, len(m))
	for i, f := range m {
		out[i] = member{key: f.key, value: cloneRaw(f.value)}
	}
	return out
}

func (m members) encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(f.value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
