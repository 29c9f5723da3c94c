package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Events exchanged with browser peers. Inbound events arrive wrapped in an
// Envelope; outbound payloads are marshalled the same way by the transport.
const (
	EventConnect    = "connect"
	EventOffer      = "offer"
	EventAdminOffer = "admin_offer"
	EventAnswer     = "answer"
	EventCandidate  = "candidate"
	EventDisconnect = "disconnect"

	EventAdminAnswer        = "admin_answer"
	EventSuspiciousActivity = "suspicious_activity"
)

// Envelope is the wire framing for every signaling message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var errMissingStudentID = errors.New("missing studentId")

type offerPayload struct {
	StudentID string `json:"studentId"`
	SDP       string `json:"sdp"`
	Type      string `json:"type"`
}

func parseOffer(data json.RawMessage) (offerPayload, error) {
	var p offerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return offerPayload{}, fmt.Errorf("decode offer: %w", err)
	}
	if p.StudentID == "" {
		return offerPayload{}, errMissingStudentID
	}
	if p.Type != "offer" || p.SDP == "" {
		return offerPayload{}, fmt.Errorf("invalid offer sdp (type %q)", p.Type)
	}
	return p, nil
}

type sdpPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type adminOfferPayload struct {
	StudentID string     `json:"studentId"`
	SDP       sdpPayload `json:"sdp"`
}

func parseAdminOffer(data json.RawMessage) (adminOfferPayload, error) {
	var p adminOfferPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return adminOfferPayload{}, fmt.Errorf("decode admin offer: %w", err)
	}
	if p.StudentID == "" {
		return adminOfferPayload{}, errMissingStudentID
	}
	if p.SDP.Type != "offer" || p.SDP.SDP == "" {
		return adminOfferPayload{}, fmt.Errorf("invalid admin offer sdp (type %q)", p.SDP.Type)
	}
	return p, nil
}

type answerPayload struct {
	StudentID  string `json:"studentId"`
	SDP        string `json:"sdp"`
	Type       string `json:"type"`
	AdminID    string `json:"adminId,omitempty"`
	FromAdmin  bool   `json:"fromAdmin,omitempty"`
	IsAnalysis bool   `json:"isAnalysis,omitempty"`
}

func parseAnswer(data json.RawMessage) (answerPayload, error) {
	var p answerPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return answerPayload{}, fmt.Errorf("decode answer: %w", err)
	}
	if p.StudentID == "" {
		return answerPayload{}, errMissingStudentID
	}
	return p, nil
}

type candidatePayload struct {
	StudentID     string  `json:"studentId,omitempty"`
	AdminID       string  `json:"adminId,omitempty"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	IsAnalysis    bool    `json:"isAnalysis,omitempty"`
}

func parseCandidate(data json.RawMessage) (candidatePayload, error) {
	var p candidatePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return candidatePayload{}, fmt.Errorf("decode candidate: %w", err)
	}
	if p.Candidate == "" {
		return candidatePayload{}, errors.New("missing candidate")
	}
	return p, nil
}

// answerOut is sent to a peer once the server's local description is ready.
// IsAnalysis marks the server-side connection handshake so clients know not
// to relay it onward.
type answerOut struct {
	SDP        string `json:"sdp"`
	Type       string `json:"type"`
	IsAnalysis bool   `json:"isAnalysis,omitempty"`
}

// offerRelay is the student-bound copy of an admin's offer.
type offerRelay struct {
	StudentID    string `json:"studentId"`
	SDP          string `json:"sdp"`
	Type         string `json:"type"`
	IsAdminOffer bool   `json:"isAdminOffer,omitempty"`
	FromAdmin    bool   `json:"fromAdmin,omitempty"`
	AdminID      string `json:"adminId,omitempty"`
}

// activityOut notifies the mapped admin viewer of a detected activity.
type activityOut struct {
	StudentID string `json:"studentId"`
	Activity  string `json:"activity"`
	Timestamp string `json:"timestamp"`
	ID        int64  `json:"id"`
}
