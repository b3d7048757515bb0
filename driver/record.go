package driver

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// EncodeJob serializes a job record with the standard library encoder.
func EncodeJob(j *Job) ([]byte, error) {
	if err := ValidatePayload(j.Payload); err != nil {
		return nil, err
	}
	return json.Marshal(j)
}

// DecodeJob parses a job record written by EncodeJob. Decoding goes through
// sonic, which is noticeably faster on the read-heavy reservation path.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := sonic.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("jobq: decode job record: %w", err)
	}
	if j.UUID == "" {
		return nil, errors.New("jobq: decode job record: missing uuid")
	}
	if err := ValidatePayload(j.Payload); err != nil {
		return nil, err
	}
	return &j, nil
}

// ValidatePayload reports whether p holds a single well-formed JSON value.
func ValidatePayload(p json.RawMessage) error {
	if len(p) == 0 {
		return errors.New("jobq: empty payload")
	}
	if !sonic.Valid(p) {
		return errors.New("jobq: payload is not valid JSON")
	}
	return nil
}
