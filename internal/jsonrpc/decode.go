package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DecodeBatch splits a submission body into its raw envelopes. The body is
// either one JSON value or a JSON array of values; batch reports which form
// was used. Items are not validated here so that one malformed element does
// not reject the whole submission.
func DecodeBatch(body []byte) (items []json.RawMessage, batch bool, err error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, ErrEmptyBody
	}
	if !json.Valid(trimmed) {
		return nil, false, ErrInvalidJSON
	}

	if trimmed[0] != '[' {
		return []json.RawMessage{json.RawMessage(trimmed)}, false, nil
	}

	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, true, fmt.Errorf("decoding batch: %w", err)
	}
	return items, true, nil
}

// ParseEnvelope decodes one inbound envelope. The returned *Error is ready to
// be sent back as a protocol error; it is nil on success. On a type mismatch
// the partially decoded envelope is still returned so its id can be echoed.
// A missing method is not a parse failure; it fails the registry lookup.
func ParseEnvelope(raw json.RawMessage) (Envelope, *Error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, NewError(ParseError, "Parse error")
	}
	return env, nil
}
