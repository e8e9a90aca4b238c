package domain

// RawMessage is one unit read from a stream, before any decoding.
// A nil Value is a tombstone, which is a valid state and not a parse failure.
type RawMessage struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int32
	Offset    int64
}

// IsTombstone reports whether the message carries no value body.
func (m RawMessage) IsTombstone() bool {
	return len(m.Value) == 0
}

// Position identifies a committed consumption point within one partition.
// Offset is the offset of the last message that has been durably applied.
type Position struct {
	Topic     string
	Partition int32
	Offset    int64
}
