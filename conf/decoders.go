package conf

import "encoding/json"

// Decoder turns raw record key or value bytes into a value. Decoders are called from the
// goroutine calling Poll only.
type Decoder interface {
	Decode(topic string, data []byte) (interface{}, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(topic string, data []byte) (interface{}, error)

func (f DecoderFunc) Decode(topic string, data []byte) (interface{}, error) {
	return f(topic, data)
}

// Bytes returns data as is.
type Bytes struct{}

func (Bytes) Decode(_ string, data []byte) (interface{}, error) {
	return data, nil
}

// String decodes data as a string. Nil data decodes to nil (a null key stays null).
type String struct{}

func (String) Decode(_ string, data []byte) (interface{}, error) {
	if data == nil {
		return nil, nil
	}
	return string(data), nil
}

// JSON unmarshals data into a new value created by New. If New is nil data is unmarshaled into
// an interface{}.
type JSON struct {
	New func() interface{}
}

func (d JSON) Decode(_ string, data []byte) (interface{}, error) {
	if data == nil {
		return nil, nil
	}
	if d.New == nil {
		var v interface{}
		err := json.Unmarshal(data, &v)
		return v, err
	}
	v := d.New()
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}
