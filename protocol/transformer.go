package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Transformer converts procedure inputs, result data and errors to and from
// their wire form. Deserialize(Serialize(v)) must equal v for every value
// passed through it.
type Transformer interface {
	Serialize(data json.RawMessage) (json.RawMessage, error)
	Deserialize(data json.RawMessage) (json.RawMessage, error)
}

// IdentityTransformer sends payloads as plain JSON.
type IdentityTransformer struct{}

func (IdentityTransformer) Serialize(data json.RawMessage) (json.RawMessage, error) {
	return data, nil
}

func (IdentityTransformer) Deserialize(data json.RawMessage) (json.RawMessage, error) {
	return data, nil
}

// WrapTransformer nests every payload under Key, e.g. {"json": <value>}.
type WrapTransformer struct {
	Key string
}

func (w WrapTransformer) Serialize(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 {
		return data, nil
	}

	out, err := sjson.SetRawBytes([]byte("{}"), w.Key, data)
	if err != nil {
		return nil, fmt.Errorf("failed to wrap payload: %w", err)
	}

	return out, nil
}

func (w WrapTransformer) Deserialize(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 {
		return data, nil
	}

	value := gjson.GetBytes(data, w.Key)
	if !value.Exists() {
		return nil, fmt.Errorf("payload is missing the %q wrapper", w.Key)
	}

	return json.RawMessage(value.Raw), nil
}

var _ Transformer = IdentityTransformer{}
var _ Transformer = WrapTransformer{}
