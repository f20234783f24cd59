package oplog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"basin/internal/hashing"
)

// ErrShortPayload indicates a typed payload too short for its layout.
var ErrShortPayload = errors.New("payload too short")

// Payload codecs for the record types. The log layer treats payloads as
// opaque bytes; these encodings are the contract between the components
// that write records and the folds that replay them. All integers are
// little-endian and strings carry a uint32 length prefix.

func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func readString(data []byte, offset int) (string, int, error) {
	if len(data) < offset+4 {
		return "", 0, ErrShortPayload
	}
	n := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4
	if n < 0 || len(data) < offset+n {
		return "", 0, ErrShortPayload
	}
	return string(data[offset : offset+n]), offset + n, nil
}

// FileWritePayload records that a path now points at new blob content.
type FileWritePayload struct {
	Path     string
	BlobHash hashing.Hash
	Size     uint64
	Mode     uint32
}

// Serialize encodes the payload to bytes.
func (p *FileWritePayload) Serialize() []byte {
	buf := make([]byte, 0, 4+len(p.Path)+hashing.Size+8+4)
	buf = appendString(buf, p.Path)
	buf = append(buf, p.BlobHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, p.Size)
	buf = binary.LittleEndian.AppendUint32(buf, p.Mode)
	return buf
}

// DeserializeFileWrite decodes a file-write payload.
func DeserializeFileWrite(data []byte) (*FileWritePayload, error) {
	p := &FileWritePayload{}
	path, offset, err := readString(data, 0)
	if err != nil {
		return nil, fmt.Errorf("file-write: %w", err)
	}
	p.Path = path

	if len(data) < offset+hashing.Size+8+4 {
		return nil, fmt.Errorf("file-write: %w", ErrShortPayload)
	}
	copy(p.BlobHash[:], data[offset:offset+hashing.Size])
	offset += hashing.Size
	p.Size = binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	p.Mode = binary.LittleEndian.Uint32(data[offset:])
	return p, nil
}

// FileDeletePayload records a path removal.
type FileDeletePayload struct {
	Path string
}

// Serialize encodes the payload to bytes.
func (p *FileDeletePayload) Serialize() []byte {
	return appendString(make([]byte, 0, 4+len(p.Path)), p.Path)
}

// DeserializeFileDelete decodes a file-delete payload.
func DeserializeFileDelete(data []byte) (*FileDeletePayload, error) {
	path, _, err := readString(data, 0)
	if err != nil {
		return nil, fmt.Errorf("file-delete: %w", err)
	}
	return &FileDeletePayload{Path: path}, nil
}

// IntentPayload records what the writer set out to do.
type IntentPayload struct {
	Text string
}

// Serialize encodes the payload to bytes.
func (p *IntentPayload) Serialize() []byte {
	return appendString(make([]byte, 0, 4+len(p.Text)), p.Text)
}

// DeserializeIntent decodes an intent payload.
func DeserializeIntent(data []byte) (*IntentPayload, error) {
	text, _, err := readString(data, 0)
	if err != nil {
		return nil, fmt.Errorf("intent: %w", err)
	}
	return &IntentPayload{Text: text}, nil
}

// DecisionPayload records a decision made during the session.
type DecisionPayload struct {
	Text      string
	Rationale string
}

// Serialize encodes the payload to bytes.
func (p *DecisionPayload) Serialize() []byte {
	buf := make([]byte, 0, 8+len(p.Text)+len(p.Rationale))
	buf = appendString(buf, p.Text)
	buf = appendString(buf, p.Rationale)
	return buf
}

// DeserializeDecision decodes a decision payload.
func DeserializeDecision(data []byte) (*DecisionPayload, error) {
	p := &DecisionPayload{}
	var offset int
	var err error
	if p.Text, offset, err = readString(data, 0); err != nil {
		return nil, fmt.Errorf("decision: %w", err)
	}
	if p.Rationale, _, err = readString(data, offset); err != nil {
		return nil, fmt.Errorf("decision: %w", err)
	}
	return p, nil
}

// ConversationEntryPayload records one exchange of the session transcript.
type ConversationEntryPayload struct {
	Role string
	Text string
}

// Serialize encodes the payload to bytes.
func (p *ConversationEntryPayload) Serialize() []byte {
	buf := make([]byte, 0, 8+len(p.Role)+len(p.Text))
	buf = appendString(buf, p.Role)
	buf = appendString(buf, p.Text)
	return buf
}

// DeserializeConversationEntry decodes a conversation-entry payload.
func DeserializeConversationEntry(data []byte) (*ConversationEntryPayload, error) {
	p := &ConversationEntryPayload{}
	var offset int
	var err error
	if p.Role, offset, err = readString(data, 0); err != nil {
		return nil, fmt.Errorf("conversation-entry: %w", err)
	}
	if p.Text, _, err = readString(data, offset); err != nil {
		return nil, fmt.Errorf("conversation-entry: %w", err)
	}
	return p, nil
}

// StateChangePayload records a session lifecycle transition. The latest
// state-change record in a session's log is the authoritative state.
type StateChangePayload struct {
	From   string
	To     string
	Reason string
}

// Serialize encodes the payload to bytes.
func (p *StateChangePayload) Serialize() []byte {
	buf := make([]byte, 0, 12+len(p.From)+len(p.To)+len(p.Reason))
	buf = appendString(buf, p.From)
	buf = appendString(buf, p.To)
	buf = appendString(buf, p.Reason)
	return buf
}

// DeserializeStateChange decodes a state-change payload.
func DeserializeStateChange(data []byte) (*StateChangePayload, error) {
	p := &StateChangePayload{}
	var offset int
	var err error
	if p.From, offset, err = readString(data, 0); err != nil {
		return nil, fmt.Errorf("state-change: %w", err)
	}
	if p.To, offset, err = readString(data, offset); err != nil {
		return nil, fmt.Errorf("state-change: %w", err)
	}
	if p.Reason, _, err = readString(data, offset); err != nil {
		return nil, fmt.Errorf("state-change: %w", err)
	}
	return p, nil
}

// CheckpointPayload records a named tree snapshot within the session.
type CheckpointPayload struct {
	TreeHash hashing.Hash
	Note     string
}

// Serialize encodes the payload to bytes.
func (p *CheckpointPayload) Serialize() []byte {
	buf := make([]byte, 0, hashing.Size+4+len(p.Note))
	buf = append(buf, p.TreeHash[:]...)
	buf = appendString(buf, p.Note)
	return buf
}

// DeserializeCheckpoint decodes a checkpoint payload.
func DeserializeCheckpoint(data []byte) (*CheckpointPayload, error) {
	if len(data) < hashing.Size {
		return nil, fmt.Errorf("checkpoint: %w", ErrShortPayload)
	}
	p := &CheckpointPayload{}
	copy(p.TreeHash[:], data[:hashing.Size])
	note, _, err := readString(data, hashing.Size)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	p.Note = note
	return p, nil
}
