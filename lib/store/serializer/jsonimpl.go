package serializer

import (
	"encoding/json"
)

// NewJSONSerializer creates a new serializer using json encoding
func NewJSONSerializer() IBackfillSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IBackfillSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IBackfillSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (j jsonSerializerImpl) Deserialize(b []byte, msg *Message) error {
	return json.Unmarshal(b, msg)
}
