package sioengine

import (
	jsoniter "github.com/json-iterator/go"
)

// Serializer converts packet payloads to and from their wire form. A
// custom implementation can be passed to NewCodec to swap the payload
// encoding without touching framing.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONSerializer is the default Serializer. It produces standard JSON.
type JSONSerializer struct{}

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal encodes v as JSON.
func (JSONSerializer) Marshal(v any) ([]byte, error) {
	return jsonAPI.Marshal(v)
}

// Unmarshal decodes JSON data into v.
func (JSONSerializer) Unmarshal(data []byte, v any) error {
	return jsonAPI.Unmarshal(data, v)
}
