package codec

import (
	"encoding/json"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Format is a wire encoding for the serializer's record type.
// Implementations must be deterministic for a given value.
type Format interface {
	// Name returns the format identifier, e.g. "json".
	Name() string
	// Marshal encodes v.
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data into v. Unknown fields are ignored.
	Unmarshal(data []byte, v any) error
}

// Built-in formats.
var (
	// JSON encodes records as JSON objects. It is the default.
	JSON Format = jsonFormat{}

	// MessagePack encodes records as MessagePack maps. Payloads are smaller
	// than JSON and cheaper to decode.
	MessagePack Format = msgpackFormat{}
)

type jsonFormat struct{}

func (jsonFormat) Name() string                       { return "json" }
func (jsonFormat) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonFormat) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackFormat struct{}

func (msgpackFormat) Name() string                       { return "msgpack" }
func (msgpackFormat) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackFormat) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

var (
	formatsMu sync.RWMutex
	formats   = map[string]Format{
		JSON.Name():        JSON,
		MessagePack.Name(): MessagePack,
	}
)

// RegisterFormat makes a format available to [LookupFormat]. A format with
// the same name is replaced.
func RegisterFormat(f Format) {
	formatsMu.Lock()
	formats[f.Name()] = f
	formatsMu.Unlock()
}

// LookupFormat returns the format registered under name.
func LookupFormat(name string) (Format, bool) {
	formatsMu.RLock()
	f, ok := formats[name]
	formatsMu.RUnlock()
	return f, ok
}
