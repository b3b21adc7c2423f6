package service

import (
	"encoding/json"
	"fmt"

	"github.com/Wyydra/medmeet/internal/core/domain"
)

// envelope is the payload of every signaling message a session sends.
// From and To are participant incarnations (JoinedAt in unix nanoseconds);
// To is zero until the sender knows the receiver.
type envelope struct {
	From        int64                      `json:"from"`
	To          int64                      `json:"to,omitempty"`
	DisplayName string                     `json:"displayName,omitempty"`
	Description *domain.SessionDescription `json:"description,omitempty"`
	Candidate   *domain.ICECandidate       `json:"candidate,omitempty"`
}

func encodeEnvelope(env envelope) ([]byte, error) {
	return json.Marshal(env)
}

func decodeEnvelope(kind domain.MessageKind, payload []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return env, fmt.Errorf("%w: malformed payload: %v", domain.ErrStaleSignal, err)
	}
	if env.From == 0 {
		return env, fmt.Errorf("%w: payload without sender incarnation", domain.ErrStaleSignal)
	}
	switch kind {
	case domain.KindOffer, domain.KindAnswer:
		if env.Description == nil {
			return env, fmt.Errorf("%w: %s without description", domain.ErrStaleSignal, kind)
		}
	case domain.KindICECandidate:
		if env.Candidate == nil {
			return env, fmt.Errorf("%w: candidate message without candidate", domain.ErrStaleSignal)
		}
	}
	return env, nil
}
