// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"maps"
	"time"

	"github.com/oklog/ulid/v2"
)

// MessageType identifies the kind of an inbound message.
type MessageType string

// Message types a service plugin may declare support for.
const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageFile     MessageType = "file"
	MessageVoice    MessageType = "voice"
	MessageVideo    MessageType = "video"
	MessageLocation MessageType = "location"
	MessageLink     MessageType = "link"
	MessageSystem   MessageType = "system"
)

// AllMessageTypes lists every known message type.
var AllMessageTypes = []MessageType{
	MessageText, MessageImage, MessageFile, MessageVoice,
	MessageVideo, MessageLocation, MessageLink, MessageSystem,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	for _, known := range AllMessageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// MessageContext is the per-invocation value passed to a plugin.
// Plugins receive a copy; the host's value is never mutated.
type MessageContext struct {
	ID          string         `json:"message_id"`
	InstanceID  string         `json:"instance_id"`
	ChatID      string         `json:"chat_id"`
	Sender      string         `json:"sender"`
	SenderAlias string         `json:"sender_alias,omitempty"`
	Type        MessageType    `json:"message_type"`
	Content     string         `json:"content"`
	FilePath    string         `json:"file_path,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// NewMessageContext creates a message with a fresh ULID and the current time.
func NewMessageContext(instanceID, chatID, sender string, msgType MessageType, content string) *MessageContext {
	return &MessageContext{
		ID:         ulid.Make().String(),
		InstanceID: instanceID,
		ChatID:     chatID,
		Sender:     sender,
		Type:       msgType,
		Content:    content,
		Timestamp:  time.Now().UTC(),
		Metadata:   make(map[string]any),
	}
}

// Clone returns a copy whose metadata map is independent of the original.
func (m *MessageContext) Clone() *MessageContext {
	if m == nil {
		return nil
	}
	c := *m
	c.Metadata = cloneMetadata(m.Metadata)
	return &c
}

// ProcessResult is the outcome of processing one message.
type ProcessResult struct {
	Success     bool           `json:"success"`
	Response    string         `json:"response,omitempty"`
	ShouldReply bool           `json:"should_reply"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	NextAction  string         `json:"next_action,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// Reply returns a successful result carrying a response to send back.
func Reply(text string) *ProcessResult {
	return &ProcessResult{Success: true, Response: text, ShouldReply: true}
}

// NoReply returns a successful result that sends nothing back.
func NoReply() *ProcessResult {
	return &ProcessResult{Success: true}
}

// Failure returns a failed result with the error recorded.
func Failure(err error) *ProcessResult {
	r := &ProcessResult{}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Clone returns a copy whose metadata map is independent of the original.
func (r *ProcessResult) Clone() *ProcessResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Metadata = cloneMetadata(r.Metadata)
	return &c
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch nested := v.(type) {
		case map[string]any:
			out[k] = cloneMetadata(nested)
		case []any:
			out[k] = append([]any(nil), nested...)
		default:
			out[k] = v
		}
	}
	return out
}

// mergeMetadata copies src into dst, allocating dst when needed.
func mergeMetadata(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	maps.Copy(dst, src)
	return dst
}
