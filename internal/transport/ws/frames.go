package ws

import (
	"encoding/json"
	"time"

	"github.com/keyverify-api/internal/domain"
)

// Frame types exchanged on /hubs/verification.
const (
	TypeJoinGroup          = "JoinGroup"
	TypeLeaveGroup         = "LeaveGroup"
	TypeJoinedGroup        = "JoinedGroup"
	TypeLeftGroup          = "LeftGroup"
	TypeVerificationStatus = "VerificationStatus"
	TypeError              = "Error"
)

// inbound is a client frame.
type inbound struct {
	Type string `json:"type"`
	JTI  string `json:"jti"`
}

// outbound is a server frame. Only the fields relevant to Type are set.
type outbound struct {
	Type    string         `json:"type"`
	Group   string         `json:"group,omitempty"`
	Payload *statusPayload `json:"payload,omitempty"`
	Message string         `json:"message,omitempty"`
}

type statusPayload struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func statusFrame(ev domain.StatusEvent) outbound {
	return outbound{
		Type:    TypeVerificationStatus,
		Payload: &statusPayload{Success: ev.Success, Message: ev.Message, Timestamp: ev.Timestamp},
	}
}

func errorFrame(msg string) outbound {
	return outbound{Type: TypeError, Message: msg}
}

func decodeInbound(data []byte) (inbound, error) {
	var in inbound
	err := json.Unmarshal(data, &in)
	return in, err
}
