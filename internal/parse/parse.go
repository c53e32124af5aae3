// Package parse turns raw line chunks into validated Signals, rejecting
// malformed or contract-violating lines for dead-lettering.
package parse

import (
	"encoding/json"
	"fmt"
	"time"

	"signalpipe/internal/model"
	"signalpipe/internal/tail"
)

// Result partitions one chunk into valid signals and rejects, both in file
// order. Every chunk line lands in exactly one of the two slices, except
// blank lines which only consume offset.
type Result struct {
	Signals []*model.Signal
	Rejects []*model.DeadLetterRecord
}

// Chunk parses and validates every line of a chunk. Malformed lines are
// rejected immediately with reason parse_error: malformed text does not
// become valid on retry. Contract violations are rejected with reason
// schema_violation. Neither stops the remaining lines.
func Chunk(c *tail.Chunk) *Result {
	res := &Result{}
	for _, line := range c.Lines {
		if len(line.Raw) == 0 {
			continue
		}

		if !json.Valid(line.Raw) {
			res.Rejects = append(res.Rejects, reject(c, line, model.ReasonParseError,
				fmt.Errorf("invalid JSON")))
			continue
		}

		// Well-formed JSON with a mistyped field is a contract problem,
		// not a parse problem.
		var sig model.Signal
		if err := json.Unmarshal(line.Raw, &sig); err != nil {
			res.Rejects = append(res.Rejects, reject(c, line, model.ReasonSchemaViolation, err))
			continue
		}
		if err := Validate(&sig); err != nil {
			res.Rejects = append(res.Rejects, reject(c, line, model.ReasonSchemaViolation, err))
			continue
		}

		sig.Raw = line.Raw
		sig.Start = line.Start
		sig.End = line.End
		res.Signals = append(res.Signals, &sig)
	}
	return res
}

// Validate checks a parsed signal against the published contract: required
// fields present, timestamp RFC3339 UTC, side from the fixed enum, scores
// within [0, 1].
func Validate(s *model.Signal) error {
	if s.ID == "" {
		return fmt.Errorf("missing required field: id")
	}
	if s.Symbol == "" {
		return fmt.Errorf("missing required field: symbol")
	}
	if s.RegimeState == "" {
		return fmt.Errorf("missing required field: regime_state")
	}
	if s.Timestamp == "" {
		return fmt.Errorf("missing required field: timestamp")
	}
	ts, err := time.Parse(time.RFC3339, s.Timestamp)
	if err != nil {
		return fmt.Errorf("invalid timestamp %q: %w", s.Timestamp, err)
	}
	if _, off := ts.Zone(); off != 0 {
		return fmt.Errorf("timestamp %q is not UTC", s.Timestamp)
	}
	switch s.Side {
	case model.SideLong, model.SideShort, model.SideFlat:
	case "":
		return fmt.Errorf("missing required field: side")
	default:
		return fmt.Errorf("invalid side %q", s.Side)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0, 1]", s.Confidence)
	}
	if s.EntropyScore < 0 || s.EntropyScore > 1 {
		return fmt.Errorf("entropy_score %v outside [0, 1]", s.EntropyScore)
	}
	return nil
}

func reject(c *tail.Chunk, line tail.Line, reason string, err error) *model.DeadLetterRecord {
	return &model.DeadLetterRecord{
		Raw:        string(line.Raw),
		Reason:     reason,
		Detail:     err.Error(),
		Source:     c.Path,
		Start:      line.Start,
		End:        line.End,
		RejectedAt: time.Now().UTC(),
	}
}
