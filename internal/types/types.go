package types

// Client -> server frame types.
const (
	MsgEndRound = "END_ROUND"
	MsgForfeit  = "FORFEIT"
	MsgSync     = "SYNC"
)

type ClientMessage struct {
	Type  string `json:"type"`
	Match string `json:"match,omitempty"`
	Round int    `json:"round,omitempty"`
}
