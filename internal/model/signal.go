// Package model defines the core data structures flowing through the pipeline.
package model

// Side values accepted by the signal contract.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
	SideFlat  = "FLAT"
)

// Signal represents a single validated trading signal awaiting dispatch.
// It is immutable once parsed; the raw line and its byte range are kept
// for traceability and dead-lettering.
type Signal struct {
	ID           string         `json:"id"`
	Timestamp    string         `json:"timestamp"`
	Symbol       string         `json:"symbol"`
	Side         string         `json:"side"`
	Confidence   float64        `json:"confidence"`
	EntropyScore float64        `json:"entropy_score"`
	RegimeState  string         `json:"regime_state"`
	Features     map[string]any `json:"features,omitempty"`
	Hash         string         `json:"hash,omitempty"`
	CapsuleID    string         `json:"capsule_id,omitempty"`

	// Raw is the original NDJSON line as read from the source file.
	Raw []byte `json:"-"`

	// Start and End delimit the line's byte range in the source file,
	// End pointing one past the trailing newline.
	Start int64 `json:"-"`
	End   int64 `json:"-"`
}

// Clone creates a deep copy of the Signal.
func (s *Signal) Clone() *Signal {
	clone := *s
	clone.Raw = make([]byte, len(s.Raw))
	copy(clone.Raw, s.Raw)
	if s.Features != nil {
		clone.Features = make(map[string]any, len(s.Features))
		for k, v := range s.Features {
			clone.Features[k] = v
		}
	}
	return &clone
}
