package messaging

import (
	"github.com/google/uuid"

	"github.com/zailic/nest/contracts"
)

// AssignPacketID converts a call description into its outbound wire form with
// a freshly generated correlation id. A colliding id would cross-wire two
// callers' responses, so ids must be unique with overwhelming probability
// across the lifetime of one client instance.
func AssignPacketID(packet contracts.ReadPacket) contracts.WritePacket {
	return contracts.WritePacket{
		ID:      uuid.New().String(),
		Pattern: packet.Pattern,
		Data:    packet.Data,
	}
}

// EventPacket converts a call description into the wire form of a
// fire-and-forget event. Events carry no correlation id.
func EventPacket(packet contracts.ReadPacket) contracts.WritePacket {
	return contracts.WritePacket{
		Pattern: packet.Pattern,
		Data:    packet.Data,
	}
}
