// Copyright 2024 The George QA Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package chathistory converts a conversation transcript to and from the flat text blob
// that callers round-trip between requests. The service never stores history itself.
package chathistory

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Role represents the author of a chat message
type Role string

const (
	// RoleUser marks a message written by the user
	RoleUser Role = "user"
	// RoleAssistant marks a message produced by the assistant
	RoleAssistant Role = "assistant"
	// RoleSystem marks a system instruction carried in the transcript
	RoleSystem Role = "system"
)

// Message is a single transcript entry
type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// History is an ordered transcript. Values are treated as immutable: Append and
// AppendTurn return a new History and never write into the receiver's backing array.
type History []Message

// New returns an empty history
func New() History {
	return History{}
}

// Append returns a new history with msgs added at the end
func (h History) Append(msgs ...Message) History {
	out := make(History, 0, len(h)+len(msgs))
	out = append(out, h...)
	return append(out, msgs...)
}

// AppendTurn returns a new history with the user query and the assistant answer appended
func (h History) AppendTurn(query, answer string) History {
	return h.Append(
		Message{Role: RoleUser, Text: query},
		Message{Role: RoleAssistant, Text: answer},
	)
}

type xmlHistory struct {
	XMLName  xml.Name     `xml:"chat_history"`
	Messages []xmlMessage `xml:"message"`
}

type xmlMessage struct {
	Role string `xml:"role,attr"`
	Text string `xml:"text"`
}

// Encode renders a history as a <chat_history> document. Text is XML-escaped, so any
// string made of valid XML characters survives Decode unchanged.
func Encode(h History) string {
	doc := xmlHistory{Messages: make([]xmlMessage, 0, len(h))}
	for _, m := range h {
		doc.Messages = append(doc.Messages, xmlMessage{Role: string(m.Role), Text: m.Text})
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		// xml.Marshal only fails on unsupported types, which this struct never contains
		panic(fmt.Sprintf("chathistory: encode: %v", err))
	}
	return string(out)
}

// Decode parses a blob produced by Encode. An empty blob yields an empty history. A blob
// that is plain text rather than a <chat_history> document is kept as a single system
// message so that older clients sending free-form context still work.
func Decode(blob string) (History, error) {
	trimmed := strings.TrimSpace(blob)
	if trimmed == "" {
		return New(), nil
	}

	if !strings.HasPrefix(trimmed, "<") {
		return History{{Role: RoleSystem, Text: trimmed}}, nil
	}

	var doc xmlHistory
	if err := xml.Unmarshal([]byte(trimmed), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse chat history: %w", err)
	}

	h := make(History, 0, len(doc.Messages))
	for i, m := range doc.Messages {
		role := Role(m.Role)
		switch role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return nil, fmt.Errorf("chat history message %d has unknown role %q", i, m.Role)
		}
		h = append(h, Message{Role: role, Text: m.Text})
	}
	return h, nil
}
