package resolver

import (
	"encoding/json"
	"fmt"

	"github.com/ytget/avstream/errs"
)

// EnvelopeError reports a player response that is not the expected
// {"link":[{"file":"<token>"}]} shape.
type EnvelopeError struct {
	Reason string
	Err    error
}

func (e *EnvelopeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("player envelope: %s: %v", e.Reason, e.Err)
	}
	return "player envelope: " + e.Reason
}

func (e *EnvelopeError) Unwrap() error { return e.Err }

// Is matches errs.ErrUpstreamFormat.
func (e *EnvelopeError) Is(target error) bool { return target == errs.ErrUpstreamFormat }

// parseEnvelope extracts link[0].file. Each level is decoded loosely so a
// wrong type is reported by name instead of as a generic unmarshal failure.
func parseEnvelope(body []byte) (string, error) {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(body, &root); err != nil {
		return "", &EnvelopeError{Reason: "body is not a JSON object", Err: err}
	}

	rawLink, ok := root["link"]
	if !ok {
		return "", &EnvelopeError{Reason: `missing "link"`}
	}
	var links []json.RawMessage
	if err := json.Unmarshal(rawLink, &links); err != nil || links == nil {
		return "", &EnvelopeError{Reason: `"link" is not an array`, Err: err}
	}
	if len(links) == 0 {
		return "", &EnvelopeError{Reason: `"link" is empty`}
	}

	var first map[string]json.RawMessage
	if err := json.Unmarshal(links[0], &first); err != nil || first == nil {
		return "", &EnvelopeError{Reason: `"link[0]" is not an object`, Err: err}
	}
	rawFile, ok := first["file"]
	if !ok {
		return "", &EnvelopeError{Reason: `missing "link[0].file"`}
	}
	var file string
	if err := json.Unmarshal(rawFile, &file); err != nil {
		return "", &EnvelopeError{Reason: `"link[0].file" is not a string`, Err: err}
	}
	if file == "" {
		return "", &EnvelopeError{Reason: `"link[0].file" is empty`}
	}
	return file, nil
}
