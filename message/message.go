// Package message defines the wire envelope exchanged between iris
// containers: a typed, correlated frame sequence that must round-trip
// (pack∘unpack = identity) for every valid message and reject malformed
// input as ierr.ErrBadFrame.
package message

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/oakmesh/iris/ierr"
)

// Type is the message kind.
type Type string

const (
	REQ  Type = "REQ"
	REP  Type = "REP"
	ACK  Type = "ACK"
	NACK Type = "NACK"
	ERR  Type = "ERR"
)

// Message is the envelope exchanged over the wire. It is immutable after
// construction apart from Body, which the owner may mutate up until it
// hands the message to a send call.
type Message struct {
	ID      string
	Type    Type
	Subject string
	Source  string
	Body    map[string]interface{}
	Headers map[string]interface{}
}

// New constructs a Message with a fresh id. headers should already carry
// "trace" and "trace_id" (see trace.Headers); callers that omit them get
// an empty map, which recv-side trace.FromHeaders tolerates.
func New(t Type, subject, source string, body, headers map[string]interface{}) *Message {
	if body == nil {
		body = map[string]interface{}{}
	}
	if headers == nil {
		headers = map[string]interface{}{}
	}
	return &Message{
		ID:      uuid.NewString(),
		Type:    t,
		Subject: subject,
		Source:  source,
		Body:    body,
		Headers: headers,
	}
}

// IsRequest reports whether this message should be dispatched to an
// installed service as an inbound call.
func (m *Message) IsRequest() bool {
	return m.Type == REQ
}

// IsReply reports whether this message should be matched against the
// pending ReplyChannel table.
func (m *Message) IsReply() bool {
	switch m.Type {
	case REP, ACK, NACK, ERR:
		return true
	}
	return false
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(id=%s type=%s subject=%s source=%s)", m.ID, m.Type, m.Subject, m.Source)
}

// PackFrames returns the ordered frame sequence for atomic transport
// send: [id, type, subject, source, headers_blob, body_blob]. The first
// four frames are raw UTF-8; the headers/body blobs are msgpack-encoded.
func (m *Message) PackFrames() ([][]byte, error) {
	headersBlob, err := msgpack.Marshal(m.Headers)
	if err != nil {
		return nil, fmt.Errorf("pack headers: %w", err)
	}
	bodyBlob, err := msgpack.Marshal(m.Body)
	if err != nil {
		return nil, fmt.Errorf("pack body: %w", err)
	}
	return [][]byte{
		[]byte(m.ID),
		[]byte(m.Type),
		[]byte(m.Subject),
		[]byte(m.Source),
		headersBlob,
		bodyBlob,
	}, nil
}

// UnpackFrames reverses PackFrames, or fails with ierr.ErrBadFrame. The
// first-frame-carries-the-id convention means a caller can still log an
// id even when unpacking otherwise fails, via the returned partial id in
// the error when possible — see FrameID.
func UnpackFrames(frames [][]byte) (*Message, error) {
	if len(frames) != 6 {
		return nil, fmt.Errorf("%w: expected 6 frames, got %d", ierr.ErrBadFrame, len(frames))
	}

	m := &Message{
		ID:      string(frames[0]),
		Type:    Type(frames[1]),
		Subject: string(frames[2]),
		Source:  string(frames[3]),
	}

	var headers map[string]interface{}
	if err := msgpack.Unmarshal(frames[4], &headers); err != nil {
		return nil, fmt.Errorf("%w: headers: %v (msg-id=%s)", ierr.ErrBadFrame, err, m.ID)
	}
	var body map[string]interface{}
	if err := msgpack.Unmarshal(frames[5], &body); err != nil {
		return nil, fmt.Errorf("%w: body: %v (msg-id=%s)", ierr.ErrBadFrame, err, m.ID)
	}
	m.Headers = headers
	m.Body = body

	switch m.Type {
	case REQ, REP, ACK, NACK, ERR:
	default:
		return nil, fmt.Errorf("%w: unknown type %q (msg-id=%s)", ierr.ErrBadFrame, m.Type, m.ID)
	}

	return m, nil
}

// FrameID extracts whatever id can be read from a possibly-malformed
// frame set, for logging a BadFrame without a parsed Message.
func FrameID(frames [][]byte) string {
	if len(frames) >= 1 {
		return string(frames[0])
	}
	return ""
}
