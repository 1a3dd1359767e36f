package serializer

import (
	"github.com/vmihailenco/msgpack/v5"
)

// NewMsgpackSerializer creates a new serializer using MessagePack encoding
func NewMsgpackSerializer() IBackfillSerializer {
	return &msgpackSerializerImpl{}
}

// msgpackSerializerImpl implements the IBackfillSerializer interface using msgpack
type msgpackSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IBackfillSerializer)
// --------------------------------------------------------------------------

func (m msgpackSerializerImpl) Serialize(msg Message) ([]byte, error) {
	return msgpack.Marshal(&msg)
}

func (m msgpackSerializerImpl) Deserialize(b []byte, msg *Message) error {
	return msgpack.Unmarshal(b, msg)
}
