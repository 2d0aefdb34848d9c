package models

type FrameType string

const (
	FrameLivenessPing FrameType = "LIVENESS_PING"
	FrameLivenessPong FrameType = "LIVENESS_PONG"
	FrameChunkStart   FrameType = "CHUNK_START"
	FrameChunk        FrameType = "CHUNK"
	FrameEnvelope     FrameType = "ENVELOPE"
	FrameControl      FrameType = "CONTROL"
)

// Frame is the unit written to and read from the direct transport. Exactly
// which fields are populated depends on Type:
//
//	LIVENESS_PING / LIVENESS_PONG: no payload
//	ENVELOPE: Payload holds one encrypted message
//	CHUNK_START: TransferID, Total; Payload holds the encrypted transfer header
//	CHUNK: TransferID, Index, Payload
//	CONTROL: Command (e.g. remote wipe), forwarded to the host application
type Frame struct {
	Type       FrameType `json:"type"`
	Payload    string    `json:"payload,omitempty"`
	TransferID string    `json:"id,omitempty"`
	Index      int       `json:"index,omitempty"`
	Total      int       `json:"total,omitempty"`
	Command    string    `json:"command,omitempty"`
}

// ControlNuke instructs the receiving side to wipe its local vault.
const ControlNuke = "NUKE"
