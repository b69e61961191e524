package ipc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Ack statuses.
const (
	AckSaved  = "saved"
	AckFailed = "failed"
)

// Ack reports the outcome of one DownloadPDF message. Requests carry no id on
// the wire, so an Ack is correlated by the digest of the HTML it was built from.
type Ack struct {
	Digest   string    `json:"digest"`
	Status   string    `json:"status"`
	Location string    `json:"location,omitempty"`
	Bytes    int       `json:"bytes,omitempty"`
	Pages    int       `json:"pages,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Digest returns the hex SHA-256 of an HTML payload.
func Digest(html []byte) string {
	sum := sha256.Sum256(html)
	return hex.EncodeToString(sum[:])
}

// Encode marshals the ack for the wire.
func (a Ack) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAck parses an ack payload.
func DecodeAck(payload []byte) (Ack, error) {
	var a Ack
	err := json.Unmarshal(payload, &a)
	return a, err
}
