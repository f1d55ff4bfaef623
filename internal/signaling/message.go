package signaling

// msgType identifies the kind of signaling envelope, matching the action
// field of the wire JSON (spec §6).
type msgType string

const (
	msgDescription msgType = "description"
	msgCandidate   msgType = "candidate"
)

// DescType distinguishes an SDP offer from an SDP answer.
type DescType string

const (
	DescOffer  DescType = "offer"
	DescAnswer DescType = "answer"
)

// envelope is the JSON structure exchanged over the signaling bus. Both
// description and candidate messages share one shape so the bus need not
// understand the difference; Action selects how the remaining fields are
// interpreted.
type envelope struct {
	Action    msgType  `json:"action"`
	FromUser  string   `json:"fromUser"`
	ToUser    string   `json:"toUser"`
	ChannelID string   `json:"channelId"`
	Type      DescType `json:"type,omitempty"`
	SDP       string   `json:"sdp,omitempty"`
	Mid       string   `json:"mid,omitempty"`
}

// Description is an SDP offer or answer, opaque to this layer beyond its
// Type and wire text.
type Description struct {
	Type DescType
	SDP  string
}

// Candidate is an ICE transport candidate, opaque to this layer.
type Candidate struct {
	SDP string
	Mid string
}
