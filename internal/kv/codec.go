package kv

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"
)

// Codec serialises objects before they are written to a Store.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default, human-readable codec.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// MsgpackCodec trades readability for smaller queue objects.
type MsgpackCodec struct {
	h *codec.MsgpackHandle
}

// NewMsgpackCodec returns a msgpack codec.
func NewMsgpackCodec() *MsgpackCodec {
	return &MsgpackCodec{h: &codec.MsgpackHandle{}}
}

func (c *MsgpackCodec) Name() string { return "msgpack" }

func (c *MsgpackCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := codec.NewEncoder(&buf, c.h).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *MsgpackCodec) Unmarshal(data []byte, v any) error {
	return codec.NewDecoder(bytes.NewReader(data), c.h).Decode(v)
}

// CodecByName resolves a codec from configuration.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return NewMsgpackCodec(), nil
	}
	return nil, fmt.Errorf("unknown codec %q", name)
}
