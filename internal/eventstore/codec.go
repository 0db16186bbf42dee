package eventstore

import "encoding/json"

// Codec turns an event into the stored payload.
type Codec interface {
	Marshal(v any) ([]byte, error)
}

type JSONCodec struct{}

func (JSONCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
