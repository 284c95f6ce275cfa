package orchestrator

import (
	"bytes"
	"encoding/json"
)

// firstJSONValue decodes the first complete JSON value from s and discards
// anything after it (spec §4.2 step 6 "parse the first complete JSON value
// out of the accumulated partial-JSON text" — a defense against a provider
// adapter that concatenates more than one JSON object into a single
// input_json_delta stream).
func firstJSONValue(s string) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}
