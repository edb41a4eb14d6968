// SPDX-FileCopyrightText: 2021 Softbear, Inc.
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"reflect"
	"sync"
	"unsafe"

	"github.com/flopfight/relay/server/combat"
	jsoniter "github.com/json-iterator/go"
)

// Make sure functions get run first
var json = func() jsoniter.API {
	neverEmpty := func(pointer unsafe.Pointer) bool { return false }

	// Encoders
	jsoniter.RegisterTypeEncoderFunc(reflect.TypeOf(Message{}).String(), encodeMessage, neverEmpty)

	// Decoders
	jsoniter.RegisterTypeDecoderFunc(reflect.TypeOf(Message{}).String(), decodeMessage)
	jsoniter.RegisterTypeDecoderFunc(reflect.TypeOf(combat.AttackType(0)).String(), decodeAttackType)

	return jsoniter.Config{
		IndentionStep:                 0,
		MarshalFloatWith6Digits:       true,
		EscapeHTML:                    false,
		SortMapKeys:                   true,
		UseNumber:                     false,
		DisallowUnknownFields:         false,
		TagKey:                        "json",
		OnlyTaggedField:               false,
		ValidateJsonRawMessage:        false,
		ObjectFieldMustBeSimpleString: true,
		CaseSensitive:                 true,
	}.Froze()
}()

// encodeMessage writes the type field followed by the fields of the data.
func encodeMessage(ptr unsafe.Pointer, stream *jsoniter.Stream) {
	message := (*Message)(ptr)
	mType := message.messageType()

	stream.WriteObjectStart()
	stream.WriteObjectField("type")
	stream.WriteString(string(mType))

	inner := stream.Pool().BorrowStream(nil)
	defer stream.Pool().ReturnStream(inner)
	inner.WriteVal(message.Data)

	if inner.Error != nil {
		stream.Error = inner.Error
	} else if data := inner.Buffer(); len(data) > 2 {
		// Splice data's fields without its braces
		stream.WriteMore()
		stream.SetBuffer(append(stream.Buffer(), data[1:len(data)-1]...))
	}

	stream.WriteObjectEnd()
}

// decodeAttackType accepts integral floats, as some clients send 2.0 for 2.
func decodeAttackType(ptr unsafe.Pointer, iter *jsoniter.Iterator) {
	f := iter.ReadFloat64()
	attack := combat.AttackType(-1)
	if f == float64(int(f)) {
		attack = combat.AttackType(f)
	}
	*(*combat.AttackType)(ptr) = attack
}

// Buffers large enough to hold most inbounds
var decodeMessagePool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, 256)
		return &buf
	},
}

func decodeMessage(ptr unsafe.Pointer, topLevelIter *jsoniter.Iterator) {
	bufPtr := decodeMessagePool.Get().(*[]byte)

	// Read bytes so can read twice
	messageBytes := topLevelIter.SkipAndAppendBytes(*bufPtr)

	// Pool iterator with previous pool
	pool := topLevelIter.Pool()
	iter := pool.BorrowIterator(messageBytes)
	defer pool.ReturnIterator(iter)

	// Interface of *inbound
	var in interface{}

	// First pass finds the action
	iter.ReadObjectCB(func(i *jsoniter.Iterator, field string) bool {
		if field != "action" {
			i.Skip()
			return true
		}

		actionBytes := i.ReadStringAsSlice()
		inboundType, ok := inboundMessageTypes[messageType(actionBytes)]
		if !ok {
			in = &InvalidInbound{action: messageType(actionBytes)}
		} else {
			in = reflect.New(inboundType).Interface()
		}
		return false
	})

	if err := iter.Error; err != nil && in == nil {
		topLevelIter.Error = err
		return
	}

	if in == nil {
		topLevelIter.Error = errors.New("no inbound message action")
		return
	}

	// Second pass reads the flat fields; action is unknown to the struct and skipped
	if _, invalid := in.(*InvalidInbound); !invalid {
		iter.ResetBytes(messageBytes)
		iter.ReadVal(in)
		if err := iter.Error; err != nil {
			topLevelIter.Error = err
			return
		}
	}

	// Pool messageBytes
	*bufPtr = messageBytes[:0]
	decodeMessagePool.Put(bufPtr)

	// Store data
	message := (*Message)(ptr)
	message.Data = reflect.Indirect(reflect.ValueOf(in)).Interface()
}
