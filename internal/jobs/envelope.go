package jobs

import (
	"encoding/json"
	"fmt"
)

// Envelope is the transient queue message. The job row is authoritative.
type Envelope struct {
	JobID   string          `json:"jobId"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serialises an envelope for the queue.
func Encode(jobID string, p Payload) ([]byte, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(Envelope{JobID: jobID, Type: p.JobType(), Payload: raw})
}

// ParseEnvelope decodes a raw message. Only structural problems are reported here;
// the type and payload are checked by Decode.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.JobID == "" || env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: jobId and type are required", ErrMalformedEnvelope)
	}
	return env, nil
}
