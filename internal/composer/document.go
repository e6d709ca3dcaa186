package composer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
)

type member struct {
	Key   string
	Value any
}

// Document is a JSON object that keeps member order.
type Document []member

func (d *Document) Set(key string, v any) {
	for i := range *d {
		if (*d)[i].Key == key {
			(*d)[i].Value = v
			return
		}
	}
	*d = append(*d, member{Key: key, Value: v})
}

func (d Document) Get(key string) (any, bool) {
	for _, m := range d {
		if m.Key == key {
			return m.Value, true
		}
	}
	return nil, false
}

func (d *Document) Delete(key string) {
	out := (*d)[:0]
	for _, m := range *d {
		if m.Key != key {
			out = append(out, m)
		}
	}
	*d = out
}

func (d Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, m := range d {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(m.Key)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(m.Value)
		if err != nil {
			return nil, fmt.Errorf("member %q: %w", m.Key, err)
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// countsDoc renders a per-collection count map in caller order.
func countsDoc(order []string, counts map[string]int) Document {
	d := make(Document, 0, len(order))
	for _, c := range order {
		d = append(d, member{Key: c, Value: counts[c]})
	}
	return d
}

// fromMembers starts a document from upstream top-level members, keeping
// the upstream's usual member order for the keys it knows.
func fromMembers(members map[string]json.RawMessage, drop ...string) Document {
	skip := map[string]bool{"features": true}
	for _, k := range drop {
		skip[k] = true
	}
	known := []string{"type", "timeStamp", "numberReturned", "links"}
	d := make(Document, 0, len(members)+4)
	seen := map[string]bool{}
	for _, k := range known {
		if v, ok := members[k]; ok && !skip[k] {
			d = append(d, member{Key: k, Value: v})
			seen[k] = true
		}
	}
	rest := make([]string, 0, len(members))
	for k := range members {
		if !seen[k] && !skip[k] {
			rest = append(rest, k)
		}
	}
	slices.Sort(rest)
	for _, k := range rest {
		d = append(d, member{Key: k, Value: members[k]})
	}
	return d
}
