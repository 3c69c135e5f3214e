package ws

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/bytedance/sonic"
)

// ErrStaleStream is returned by a Stream whose connection has been replaced.
var ErrStaleStream = errors.New("websocket stream belongs to a previous connection")

// Message is one inbound frame. Data holds the decoded JSON value, or nil when
// the frame is not JSON.
type Message struct {
	Raw        []byte
	Data       any
	ReceivedAt time.Time
	Epoch      uint64
}

func newMessage(raw []byte, epoch uint64, at time.Time) Message {
	msg := Message{Raw: raw, ReceivedAt: at, Epoch: epoch}
	if looksLikeJSON(raw) {
		var data any
		if err := sonic.Unmarshal(raw, &data); err == nil {
			msg.Data = data
		}
	}
	return msg
}

func looksLikeJSON(raw []byte) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{', '[':
			return true
		}
		return false
	}
	return false
}

// Object returns the decoded frame as a JSON object.
func (m Message) Object() (map[string]any, bool) {
	obj, ok := m.Data.(map[string]any)
	return obj, ok
}

// Text returns the raw frame as a string.
func (m Message) Text() string { return string(m.Raw) }

// Stream is the sequence of frames of one connection. It is obtained from
// Session.Messages after each successful Connect and is invalid once the
// session reconnects.
type Stream struct {
	session *Session
	conn    *connection
}

// Epoch returns the connection epoch the stream belongs to.
func (s *Stream) Epoch() uint64 { return s.conn.epoch }

// Next blocks until a frame arrives, the connection ends or ctx is done. Once
// the connection has ended every call returns the error that ended it.
func (s *Stream) Next(ctx context.Context) (Message, error) {
	if s.session.Epoch() != s.conn.epoch {
		return Message{}, ErrStaleStream
	}
	select {
	case msg := <-s.conn.frames:
		return msg, nil
	case <-s.conn.ctx.Done():
		return Message{}, s.conn.Err()
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// All ranges over the frames until the first error, which is yielded last.
func (s *Stream) All(ctx context.Context) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		for {
			msg, err := s.Next(ctx)
			if err != nil {
				yield(Message{}, err)
				return
			}
			if !yield(msg, nil) {
				return
			}
		}
	}
}
