package archive

import (
	"fmt"
	"reflect"

	"github.com/klauspost/compress/zstd"
	"github.com/ugorji/go/codec"
)

var mapType = reflect.TypeOf(map[string]interface{}(nil))

// cbor is safe for concurrent use once configured.
var cbor = func() *codec.CborHandle {
	h := new(codec.CborHandle)
	h.MapType = mapType
	return h
}()

var (
	encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	decoder, _ = zstd.NewReader(nil)
)

// marshal encodes v as CBOR.
func marshal(v any) ([]byte, error) {
	var data []byte

	if err := codec.NewEncoderBytes(&data, cbor).Encode(v); err != nil {
		return nil, fmt.Errorf("encode %T:\n%w", v, err)
	}

	return data, nil
}

// unmarshal decodes CBOR data into v.
func unmarshal(data []byte, v any) error {
	if err := codec.NewDecoderBytes(data, cbor).Decode(v); err != nil {
		return fmt.Errorf("decode %T:\n%w", v, err)
	}

	return nil
}

// marshalCompressed encodes v as zstd-compressed CBOR.
func marshalCompressed(v any) ([]byte, error) {
	data, err := marshal(v)
	if err != nil {
		return nil, err
	}

	return encoder.EncodeAll(data, nil), nil
}

// unmarshalCompressed reverses marshalCompressed.
func unmarshalCompressed(data []byte, v any) error {
	raw, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("decompress:\n%w", err)
	}

	return unmarshal(raw, v)
}

// Compress zstd-compresses data.
func Compress(data []byte) []byte {
	return encoder.EncodeAll(data, nil)
}

// Decompress reverses Compress.
func Decompress(data []byte) ([]byte, error) {
	return decoder.DecodeAll(data, nil)
}
