package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/zailic/nest/contracts"
)

// Serializer converts an outbound packet into its wire representation.
// Implementations must be pure: same packet in, same bytes out, no side effects.
type Serializer interface {
	Serialize(packet contracts.WritePacket) ([]byte, error)
}

// Deserializer parses a raw inbound buffer into the response envelope.
type Deserializer interface {
	Deserialize(data []byte) (contracts.WriteResponse, error)
}

// JSONSerializer is the default wire codec.
type JSONSerializer struct{}

// Serialize implements Serializer
func (JSONSerializer) Serialize(packet contracts.WritePacket) ([]byte, error) {
	data, err := json.Marshal(packet)
	if err != nil {
		return nil, fmt.Errorf("failed to encode packet: %w", err)
	}
	return data, nil
}

// JSONDeserializer is the default inbound codec.
type JSONDeserializer struct{}

// Deserialize implements Deserializer
func (JSONDeserializer) Deserialize(data []byte) (contracts.WriteResponse, error) {
	var resp contracts.WriteResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return contracts.WriteResponse{}, fmt.Errorf("failed to decode response envelope: %w", err)
	}
	return resp, nil
}
