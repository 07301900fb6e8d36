package siegenia

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Protocol command names.
const (
	CommandLogin           = "login"
	CommandKeepAlive       = "keepAlive"
	CommandGetDevice       = "getDevice"
	CommandGetDeviceState  = "getDeviceState"
	CommandGetDeviceParams = "getDeviceParams"
	CommandSetDeviceParams = "setDeviceParams"
	CommandRebootDevice    = "rebootDevice"
	CommandResetDevice     = "resetDevice"
	CommandRenewCert       = "renewCert"
)

// StatusOK is the only response status treated as success.
const StatusOK = "ok"

// Envelope keys.
const (
	keyID      = "id"
	keyCommand = "command"
	keyParams  = "params"
	keyStatus  = "status"
	keyData    = "data"
)

// Document is a schema-less JSON object as sent or received on the wire.
// Device payload shapes vary by model and firmware, so typed accessors
// extract fields defensively and tolerate missing or mistyped keys.
type Document map[string]any

// String returns the value at key as a string, or "" if absent or not a string.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Float returns the value at key as a float64.
// JSON numbers decode to float64; bools and strings are not coerced.
func (d Document) Float(key string) (float64, bool) {
	switch v := d[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// Bool returns the value at key as a bool.
func (d Document) Bool(key string) (bool, bool) {
	b, ok := d[key].(bool)
	return b, ok
}

// Map returns the nested object at key, or nil if absent or not an object.
func (d Document) Map(key string) Document {
	switch v := d[key].(type) {
	case map[string]any:
		return Document(v)
	case Document:
		return v
	default:
		return nil
	}
}

// Clone returns a deep copy of d. Nested objects and arrays are copied.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Document(t).Clone())
	case Document:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// Flatten returns the leaf values of d keyed by their dotted path,
// e.g. {"airbase":{"temperature":{"indoor":21}}} yields "airbase.temperature.indoor".
// Arrays are kept as leaves.
func (d Document) Flatten() map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", d)
	return out
}

func flattenInto(out map[string]any, prefix string, d Document) {
	for k, v := range d {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch nested := v.(type) {
		case map[string]any:
			flattenInto(out, path, Document(nested))
		case Document:
			flattenInto(out, path, nested)
		default:
			out[path] = v
		}
	}
}

// AsDocument converts a response payload into a Document.
// Non-object payloads (null, arrays, scalars) yield an empty Document.
func AsDocument(v any) Document {
	switch t := v.(type) {
	case map[string]any:
		return Document(t)
	case Document:
		return t
	default:
		return Document{}
	}
}

// encodeRequest builds the wire envelope for a request.
// The command object's fields are copied first, then params and id, so a
// caller cannot override the correlation id.
func encodeRequest(id int64, command, params Document) ([]byte, error) {
	envelope := make(map[string]any, len(command)+2)
	for k, v := range command {
		envelope[k] = v
	}
	if params != nil {
		envelope[keyParams] = params
	}
	envelope[keyID] = id

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", commandName(command), err)
	}
	return data, nil
}

// decodeFrame parses one inbound text frame. Anything other than a JSON
// object yields ErrMalformedFrame.
func decodeFrame(raw []byte) (Document, error) {
	var frame map[string]any
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if frame == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformedFrame)
	}
	return Document(frame), nil
}

// IsResponse reports whether a frame handed to the push callback is a
// reply to a request rather than a device-initiated push. Replies carry a
// numeric id; they are forwarded when no waiter claimed them, for example
// after the request timed out.
func IsResponse(frame Document) bool {
	_, ok := frameID(frame)
	return ok
}

// frameID extracts the correlation id from a decoded frame.
// Only integral numeric ids are recognised.
func frameID(frame Document) (int64, bool) {
	v, ok := frame[keyID].(float64)
	if !ok || v != math.Trunc(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return int64(v), true
}

// commandName returns the command field of a command object.
func commandName(command Document) string {
	name := command.String(keyCommand)
	if name == "" {
		return "<unnamed>"
	}
	return name
}

// newCommand returns a command object for a named command.
func newCommand(name string) Document {
	return Document{keyCommand: strings.TrimSpace(name)}
}
