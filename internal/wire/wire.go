// Package wire implements the on-the-wire encoding of a participant's
// signed presence response: a base64url-wrapped JSON envelope carrying
// a payload and its MAC signature.
//
// Decoding is layered: a cheap JSON Schema check rejects structurally
// malformed envelopes before the payload is handed to the MAC for
// cryptographic verification, so a fuzzed or truncated blob never
// reaches the constant-time comparison path.
package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformed indicates the outer envelope could not be decoded or
// failed schema validation.
var ErrMalformed = errors.New("wire: malformed signed response")

// Payload is the authenticated body of a SignedResponse, matching the
// wire names used by existing clients (studentId/timestamp rather than
// participantId/respondedAt).
type Payload struct {
	ChallengeCode  string         `json:"challengeCode"`
	Nonce          string         `json:"nonce"`
	StudentID      string         `json:"studentId"`
	DeviceID       string         `json:"deviceId"`
	SessionID      string         `json:"sessionId"`
	TimestampMs    int64          `json:"timestamp"`
	AdditionalData map[string]any `json:"additionalData,omitempty"`
}

// Envelope is the outer signed-response structure.
type Envelope struct {
	Payload   Payload `json:"payload"`
	Signature string  `json:"signature"`
}

const envelopeSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["payload", "signature"],
  "properties": {
    "payload": {
      "type": "object",
      "required": ["challengeCode", "nonce", "studentId", "deviceId", "sessionId", "timestamp"],
      "properties": {
        "challengeCode": {"type": "string", "minLength": 1},
        "nonce": {"type": "string", "minLength": 1},
        "studentId": {"type": "string", "minLength": 1},
        "deviceId": {"type": "string", "minLength": 1},
        "sessionId": {"type": "string", "minLength": 1},
        "timestamp": {"type": "integer"},
        "additionalData": {"type": "object"}
      }
    },
    "signature": {"type": "string", "minLength": 1}
  }
}`

var envelopeSchema *jsonschema.Schema

func init() {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("signed-response.json", strings.NewReader(envelopeSchemaJSON)); err != nil {
		panic(fmt.Sprintf("wire: compile embedded schema: %v", err))
	}
	schema, err := compiler.Compile("signed-response.json")
	if err != nil {
		panic(fmt.Sprintf("wire: compile embedded schema: %v", err))
	}
	envelopeSchema = schema
}

// Decode parses a base64url(utf8(json(...))) blob into an Envelope,
// validating it against the wire schema before returning it.
func Decode(blob []byte) (*Envelope, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(string(blob), "="))
	if err != nil {
		// Tolerate standard (padded) base64url too, for client parity.
		raw, err = base64.URLEncoding.DecodeString(string(blob))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}

	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := envelopeSchema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &env, nil
}

// Encode serializes an Envelope into the wire blob format. The engine
// itself only decodes; Encode is used by the tests.
func Encode(env *Envelope) ([]byte, error) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	return []byte(encoded), nil
}

// MACPayload returns the subset of fields the MAC signs over, using
// the canonical (sorted-key) names the spec defines rather than the
// wire field names, so Payload can evolve independently of the
// authenticated content.
func (p Payload) MACPayload() map[string]any {
	m := map[string]any{
		"challengeCode": p.ChallengeCode,
		"nonce":         p.Nonce,
		"participantId": p.StudentID,
		"deviceId":      p.DeviceID,
		"sessionId":     p.SessionID,
		"respondedAt":   p.TimestampMs,
	}
	if p.AdditionalData != nil {
		m["extras"] = p.AdditionalData
	}
	return m
}
