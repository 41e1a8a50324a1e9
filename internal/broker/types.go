// Package broker is a thin, typed wrapper around the external
// channel-oriented realtime transport. The transport itself is a black-box
// collaborator; only its wire shape is consumed here, never redesigned.
package broker

import (
	"encoding/base64"
	"encoding/json"
	"sort"
	"strings"
)

// ChannelKind mirrors the broker's numeric channel-type field.
type ChannelKind int

const (
	ChannelPerson ChannelKind = 1
	ChannelGroup  ChannelKind = 2
)

// PersonChannelID derives the canonical per-user-pair channel id: the
// lexicographic join of the two uids, so both sides compute the same id.
func PersonChannelID(uidA, uidB string) string {
	ids := []string{uidA, uidB}
	sort.Strings(ids)
	return strings.Join(ids, "_")
}

// EncodePayload JSON-encodes then base64-encodes a structured content object,
// the wire shape the broker expects for its opaque payload field.
func EncodePayload(content interface{}) (string, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePayload reverses EncodePayload into dest.
func DecodePayload(payload string, dest interface{}) error {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}

// SendRequest is one item of sendMessage/sendBatch.
type SendRequest struct {
	ChannelID   string      `json:"channel_id"`
	ChannelType ChannelKind `json:"channel_type"`
	FromUID     string      `json:"from_uid"`
	Payload     string      `json:"payload"`
	ClientMsgNo string      `json:"client_msg_no"`
}

// SendResult is the broker's per-message ack.
type SendResult struct {
	BrokerMessageID string `json:"message_id"`
	BrokerSeq       int64  `json:"message_seq"`
	Error           string `json:"error,omitempty"`
}

// BatchSendResult pairs each SendRequest in a batch with its SendResult,
// in submission order.
type BatchSendResult struct {
	Results []SendResult `json:"results"`
}

// SyncRequest is the syncMessages query.
type SyncRequest struct {
	UID         string       `json:"uid"`
	ChannelID   string       `json:"channel_id,omitempty"`
	ChannelType *ChannelKind `json:"channel_type,omitempty"`
	LastSeq     int64        `json:"last_message_seq,omitempty"`
	Limit       int          `json:"limit"`
}

// BrokerMessage is one message returned by syncMessages.
type BrokerMessage struct {
	MessageID   string      `json:"message_id"`
	MessageSeq  int64       `json:"message_seq"`
	ChannelID   string      `json:"channel_id"`
	ChannelType ChannelKind `json:"channel_type"`
	FromUID     string      `json:"from_uid"`
	Payload     string      `json:"payload"`
	Timestamp   int64       `json:"timestamp"`
}

// ChannelInfo describes a channel's CRUD state.
type ChannelInfo struct {
	ChannelID       string      `json:"channel_id"`
	ChannelType     ChannelKind `json:"channel_type"`
	SubscriberCount int         `json:"subscriber_count"`
}

// UserToken is returned by getUserToken.
type UserToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// HealthStatus is the broker's health/systemInfo response.
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Version string `json:"version,omitempty"`
}
