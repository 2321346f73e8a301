package crdt

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// sync protocol messages exchanged between a replica and the relay
//
// message:
//   1: type (varint)
//   2: state vector clock (bytes, repeated) { 1: client (string), 2: clock (varint) }
//   3: entry (bytes, repeated) { 1: map, 2: key, 3: value, 4: clock, 5: client, 6: deleted }

type MessageType uint64

const (
	// carries the sender's state vector. The receiver answers with `MessageSyncStep2`.
	MessageSyncStep1 MessageType = 1
	// carries every entry the step 1 sender had not seen
	MessageSyncStep2 MessageType = 2
	// carries entries written after the initial exchange
	MessageUpdate MessageType = 3
)

func (self MessageType) String() string {
	switch self {
	case MessageSyncStep1:
		return "sync_step1"
	case MessageSyncStep2:
		return "sync_step2"
	case MessageUpdate:
		return "update"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(self))
	}
}

type Message struct {
	Type        MessageType
	StateVector StateVector
	Update      *Update
}

func SyncStep1Message(stateVector StateVector) *Message {
	return &Message{
		Type:        MessageSyncStep1,
		StateVector: stateVector,
	}
}

func SyncStep2Message(update *Update) *Message {
	return &Message{
		Type:   MessageSyncStep2,
		Update: update,
	}
}

func UpdateMessage(update *Update) *Message {
	return &Message{
		Type:   MessageUpdate,
		Update: update,
	}
}

func EncodeMessage(message *Message) []byte {
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(message.Type))

	clients := make([]string, 0, len(message.StateVector))
	for client := range message.StateVector {
		clients = append(clients, client)
	}
	sort.Strings(clients)
	for _, client := range clients {
		var clockBytes []byte
		clockBytes = protowire.AppendTag(clockBytes, 1, protowire.BytesType)
		clockBytes = protowire.AppendString(clockBytes, client)
		clockBytes = protowire.AppendTag(clockBytes, 2, protowire.VarintType)
		clockBytes = protowire.AppendVarint(clockBytes, message.StateVector[client])

		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, clockBytes)
	}

	if message.Update != nil {
		for _, entry := range message.Update.Entries {
			b = protowire.AppendTag(b, 3, protowire.BytesType)
			b = protowire.AppendBytes(b, encodeEntry(entry))
		}
	}
	return b
}

func encodeEntry(entry *Entry) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, entry.Map)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, entry.Key)
	if entry.Value != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, entry.Value)
	}
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, entry.Clock)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendString(b, entry.Client)
	if entry.Deleted {
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	return b
}

func DecodeMessage(b []byte) (*Message, error) {
	message := &Message{
		StateVector: StateVector{},
	}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			message.Type = MessageType(v)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			client, clock, err := decodeClock(v)
			if err != nil {
				return 0, err
			}
			message.StateVector[client] = clock
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			entry, err := decodeEntry(v)
			if err != nil {
				return 0, err
			}
			if message.Update == nil {
				message.Update = &Update{}
			}
			message.Update.Entries = append(message.Update.Entries, entry)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	switch message.Type {
	case MessageSyncStep1, MessageSyncStep2, MessageUpdate:
	default:
		return nil, fmt.Errorf("unknown message type %d", uint64(message.Type))
	}
	if message.Update == nil && message.Type != MessageSyncStep1 {
		message.Update = &Update{}
	}
	return message, nil
}

func decodeClock(b []byte) (client string, clock uint64, err error) {
	err = consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			client = v
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			clock = v
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	return
}

func decodeEntry(b []byte) (*Entry, error) {
	entry := &Entry{}
	err := consumeFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			entry.Map = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			entry.Key = v
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if 0 <= n {
				entry.Value = append([]byte(nil), v...)
			}
			return n, nil
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			entry.Clock = v
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			entry.Client = v
			return n, nil
		case num == 6 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			entry.Deleted = protowire.DecodeBool(v)
			return n, nil
		default:
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
	})
	if err != nil {
		return nil, err
	}
	if !entry.Deleted && entry.Value == nil {
		return nil, fmt.Errorf("entry %s.%s has no value", entry.Map, entry.Key)
	}
	return entry, nil
}

// calls `consume` for each field. `consume` returns the number of value bytes consumed.
func consumeFields(b []byte, consume func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for 0 < len(b) {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := consume(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}
