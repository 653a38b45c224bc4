package rcp

import "github.com/vmihailenco/msgpack/v5"

// MsgpackCodec encodes/decodes RCP messages as MessagePack.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(msg *Message) ([]byte, error) {
	return msgpack.Marshal(msg)
}

func (c *MsgpackCodec) Decode(data []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *MsgpackCodec) Name() string { return CodecNameMsgpack }
