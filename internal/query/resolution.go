package query

import "encoding/json"

// Resolution is the four-valued outcome of a request. Using a typed enum
// keeps handling exhaustive at compile time; it serializes to the wire
// strings.
type Resolution int

const (
	ResolutionAnswer Resolution = iota
	ResolutionRefusal
	ResolutionNotEnoughInfo
	ResolutionInvalidOutput
)

func (r Resolution) String() string {
	switch r {
	case ResolutionAnswer:
		return "answer"
	case ResolutionRefusal:
		return "refusal"
	case ResolutionNotEnoughInfo:
		return "not_enough_info"
	default:
		return "invalid_output"
	}
}

// MarshalJSON renders the wire string.
func (r Resolution) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

// UnmarshalJSON parses the wire string.
func (r *Resolution) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "answer":
		*r = ResolutionAnswer
	case "refusal":
		*r = ResolutionRefusal
	case "not_enough_info":
		*r = ResolutionNotEnoughInfo
	default:
		*r = ResolutionInvalidOutput
	}
	return nil
}
