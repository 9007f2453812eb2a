package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Signer produces raw signatures over 32-byte digests. The ledger requires
// hash-and-raw-sign, not a generic personal-sign; the actual cryptography
// lives behind this interface (wallet, keystore, test fake).
type Signer interface {
	Address() string
	SignHash(digest []byte) ([]byte, error)
}

// ErrSignatureDeclined is returned when the user refuses the signing prompt.
// Callers must abort the operation with no state change.
var ErrSignatureDeclined = errors.New("signature declined")

// ErrDisconnected indicates the transport has no live connection.
var ErrDisconnected = errors.New("ledger transport disconnected")

// Message kinds accepted by the coordination ledger.
const (
	KindSessionCreate = "session.create"
	KindStateUpdate   = "state.update"
	KindSessionClose  = "session.close"
)

// SignedMessage is a hash-and-raw-signed payload for the ledger.
type SignedMessage struct {
	Kind      string          `json:"kind"`
	ProjectID string          `json:"project_id"`
	SessionID string          `json:"session_id,omitempty"`
	Version   int64           `json:"version,omitempty"`
	Body      json.RawMessage `json:"body"`
	Signer    string          `json:"signer"`
	Digest    string          `json:"digest"`
	Signature string          `json:"signature"`
}

// Response is the ledger's acknowledgement of a signed message.
type Response struct {
	OK              bool   `json:"ok"`
	RemoteSessionID string `json:"remote_session_id,omitempty"`
	AcceptedVersion int64  `json:"accepted_version,omitempty"`
	ProofID         string `json:"proof_id,omitempty"`
	Error           string `json:"error,omitempty"`
}

// AuthResult is a short-lived per-device signing identity issued by the
// ledger after a successful authentication round trip.
type AuthResult struct {
	Address    string `json:"address"`
	SigningKey string `json:"signing_key"`
	ExpiresAt  string `json:"expires_at"`
}

// Transport is the persistent connection to the coordination ledger.
type Transport interface {
	Connected() bool
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context, signer Signer) (AuthResult, error)
	SendSigned(ctx context.Context, msg SignedMessage) (Response, error)
	SendRPC(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// Digest computes the message digest the ledger verifies: a sha256 over the
// kind, addressing fields and body, NUL-separated.
func Digest(kind, projectID, sessionID string, version int64, body []byte) []byte {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(projectID))
	h.Write([]byte{0})
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(version, 10)))
	h.Write([]byte{0})
	h.Write(body)
	return h.Sum(nil)
}

// Sign builds a SignedMessage using the ledger's signing convention.
func Sign(signer Signer, kind, projectID, sessionID string, version int64, body any) (SignedMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return SignedMessage{}, fmt.Errorf("marshal %s body: %w", kind, err)
	}
	digest := Digest(kind, projectID, sessionID, version, raw)
	sig, err := signer.SignHash(digest)
	if err != nil {
		return SignedMessage{}, err
	}
	return SignedMessage{
		Kind:      kind,
		ProjectID: projectID,
		SessionID: sessionID,
		Version:   version,
		Body:      raw,
		Signer:    signer.Address(),
		Digest:    hex.EncodeToString(digest),
		Signature: hex.EncodeToString(sig),
	}, nil
}

// SessionBody is the body of a session.create message.
type SessionBody struct {
	Participants []string       `json:"participants"`
	Weights      map[string]int `json:"weights"`
	Quorum       int            `json:"quorum"`
	Allocations  map[string]int `json:"allocations"`
}

// StateBody is the body of a state.update message: the operation applied
// and the full snapshot it produced, at the version carried by the message.
type StateBody struct {
	Operation   string `json:"operation"`
	MilestoneID string `json:"milestone_id,omitempty"`
	DisputeID   string `json:"dispute_id,omitempty"`
	Snapshot    any    `json:"snapshot"`
}

// CloseBody is the body of a session.close message.
type CloseBody struct {
	Reason string `json:"reason,omitempty"`
}
