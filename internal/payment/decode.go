package payment

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// rawKey is the key the fallback payload stores unstructured input under
const rawKey = "raw"

// Payload is a decoded capture: a JSON object, or the fallback wrapper
// {"raw": <input>} when the input is not a JSON object.
type Payload struct {
	raw        string
	fields     map[string]json.RawMessage
	structured bool
}

// Decode turns captured text into a Payload. It never fails: anything that
// is not a JSON object degrades to the fallback wrapper.
func Decode(raw string) Payload {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &fields); err != nil || fields == nil {
		// json.Marshal cannot fail for a string
		wrapped, _ := json.Marshal(raw)
		return Payload{
			raw:    raw,
			fields: map[string]json.RawMessage{rawKey: wrapped},
		}
	}
	return Payload{raw: raw, fields: fields, structured: true}
}

// Raw returns the captured text the payload was decoded from
func (p Payload) Raw() string {
	return p.raw
}

// Structured reports whether the capture was a JSON object
func (p Payload) Structured() bool {
	return p.structured
}

// String returns a string or numeric field as text, "" when absent or of another type
func (p Payload) String(key string) string {
	value, ok := p.fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(value, &n); err == nil {
		return n.String()
	}
	return ""
}

// Decimal returns a numeric field, accepting numbers and numeric strings
func (p Payload) Decimal(key string) (decimal.Decimal, bool) {
	s := p.String(key)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
