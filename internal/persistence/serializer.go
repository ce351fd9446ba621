package persistence

import (
	"bytes"
	"encoding/json"
)

// Serializer encodes event and snapshot payload bodies. Commit envelopes are encoded by
// the Codec and never go through it.
type Serializer interface {
	Serialize(v interface{}) ([]byte, error)
	Deserialize(data []byte, v interface{}) error
}

// JSONSerializer keeps numbers as json.Number on the way back so that integers survive
// a round trip unchanged.
type JSONSerializer struct{}

func (JSONSerializer) Serialize(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer) Deserialize(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
