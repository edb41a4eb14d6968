// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"reflect"
	"strings"
	"unicode"

	"github.com/flopfight/relay/server/session"
)

var (
	// Valid inbound message types: action to type
	inboundMessageTypes = make(map[messageType]reflect.Type)
	// Valid outbound message types: to type field
	outboundMessageTypes = make(map[reflect.Type]messageType)
)

type (
	inbound interface {
		Process(ctx context.Context, h *Hub, conn, addr string) error
	}

	// Message is one JSON object on the wire. Inbound objects are discriminated by an
	// "action" field and outbound objects by a "type" field; all other fields are flat.
	Message struct {
		Data interface{}
	}

	messageType string
)

func init() {
	registerOutbound(
		session.Waiting{},
		session.Start{},
		session.Error{},
		session.State{},
		session.Input{},
		session.Damage{},
		session.End{},
		session.OpponentDisconnected{},
	)
}

func uncapitalize(str string) string {
	return strings.ToLower(str[0:1]) + str[1:]
}

// snakeCase converts a type name like OpponentDisconnected to opponent_disconnected.
func snakeCase(str string) string {
	var builder strings.Builder
	for i, r := range str {
		if unicode.IsUpper(r) {
			if i > 0 {
				builder.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		builder.WriteRune(r)
	}
	return builder.String()
}

func registerInbound(inbounds ...inbound) {
	for _, in := range inbounds {
		val := reflect.ValueOf(in)
		m := messageType(uncapitalize(reflect.Indirect(val).Type().Name()))
		inboundMessageTypes[m] = val.Type()
	}
}

func registerOutbound(outbounds ...session.Outbound) {
	for _, out := range outbounds {
		val := reflect.ValueOf(out)
		m := messageType(snakeCase(reflect.Indirect(val).Type().Name()))
		outboundMessageTypes[val.Type()] = m
	}
}

func (message Message) messageType() messageType {
	typ := reflect.TypeOf(message.Data)

	// Outbounds are marshaled
	mType, ok := outboundMessageTypes[typ]
	if !ok {
		// Panic because outbounds only come from trusted sources
		panic("invalid outbound message type " + typ.String())
	}
	return mType
}

// Overridden by jsoniter
func (message Message) MarshalJSON() ([]byte, error) {
	panic("unimplemented")
}

// Overridden by jsoniter
func (message *Message) UnmarshalJSON([]byte) error {
	panic("unimplemented")
}

// EncodeOutbound marshals an outbound message with its type field.
func EncodeOutbound(out session.Outbound) ([]byte, error) {
	return json.Marshal(Message{Data: out})
}
