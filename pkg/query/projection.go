package query

import (
	"bytes"

	"github.com/goccy/go-json"
)

// Projection is an ordered set of fetched fields. JSON encoding keeps insertion order.
type Projection struct {
	keys   []string
	values map[string]interface{}
}

// NewProjection creates an empty projection
func NewProjection() *Projection {
	return &Projection{values: make(map[string]interface{})}
}

// Set stores a value; setting an existing key keeps its original position
func (p *Projection) Set(key string, value interface{}) {
	if _, ok := p.values[key]; !ok {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
}

// Get returns the value stored under key
func (p *Projection) Get(key string) (interface{}, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Keys returns keys in insertion order
func (p *Projection) Keys() []string {
	return append([]string(nil), p.keys...)
}

// Len returns the number of fields
func (p *Projection) Len() int {
	return len(p.keys)
}

// MarshalJSON renders the fields as an object in insertion order
func (p *Projection) MarshalJSON() ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range p.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(p.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
