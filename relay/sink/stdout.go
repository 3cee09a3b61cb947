package sink

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/tablecast/tablecast/cfg"
	"github.com/tablecast/tablecast/relay"
)

func init() {
	relay.RegisterSink("stdout", func(_ cfg.SinkConfiguration) (relay.Sink, error) {
		return NewStdoutSink(os.Stdout), nil
	})
}

// StdoutSink writes each published message as one JSON line. Meant for
// demos and debugging sink configurations without a running broker.
type StdoutSink struct {
	mu  sync.Mutex
	out io.Writer
}

func NewStdoutSink(out io.Writer) *StdoutSink {
	return &StdoutSink{out: out}
}

type stdoutLine struct {
	Topic string          `json:"topic"`
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Publish writes one line per message. JSON payloads are embedded as-is;
// binary payloads (e.g. zstd-compressed) are base64 quoted. A nil value
// prints as a null tombstone.
func (s *StdoutSink) Publish(topic, key string, value []byte) error {
	line := stdoutLine{Topic: topic, Key: key}
	switch {
	case value == nil:
		line.Value = json.RawMessage("null")
	case json.Valid(value):
		line.Value = json.RawMessage(value)
	default:
		quoted, err := json.Marshal(base64.StdEncoding.EncodeToString(value))
		if err != nil {
			return fmt.Errorf("failed to encode payload: %w", err)
		}
		line.Value = quoted
	}

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("failed to marshal output line: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write output line: %w", err)
	}
	return nil
}

func (s *StdoutSink) Close() error {
	return nil
}
