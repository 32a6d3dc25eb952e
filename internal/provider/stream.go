package provider

import (
	"bufio"
	"io"
	"sort"
	"strings"
)

// Accumulator reassembles a streamed response across SSE chunks. Tool-call
// fragments arrive split across deltas keyed by index; names and argument
// JSON are concatenated, never replaced.
type Accumulator struct {
	content      strings.Builder
	fragments    map[int]*toolCallFragment
	finishReason FinishReason
	usage        TokenUsage
	model        string
}

type toolCallFragment struct {
	id        string
	callType  string
	name      strings.Builder
	arguments strings.Builder
}

func NewAccumulator() *Accumulator {
	return &Accumulator{fragments: map[int]*toolCallFragment{}}
}

func (a *Accumulator) AddContent(delta string) {
	a.content.WriteString(delta)
}

// MergeToolCall folds one tool-call delta into the fragment at index.
// Empty fields leave the accumulated value untouched.
func (a *Accumulator) MergeToolCall(index int, id, callType, name, arguments string) {
	fragment, ok := a.fragments[index]
	if !ok {
		fragment = &toolCallFragment{}
		a.fragments[index] = fragment
	}
	if id != "" {
		fragment.id = id
	}
	if callType != "" {
		fragment.callType = callType
	}
	fragment.name.WriteString(name)
	fragment.arguments.WriteString(arguments)
}

func (a *Accumulator) SetFinishReason(reason FinishReason) {
	if reason != "" {
		a.finishReason = reason
	}
}

func (a *Accumulator) SetUsage(usage TokenUsage) {
	if usage.InputTokens > 0 || usage.OutputTokens > 0 || usage.TotalTokens > 0 {
		a.usage = usage.Normalize()
	}
}

func (a *Accumulator) SetModel(model string) {
	if model != "" {
		a.model = model
	}
}

func (a *Accumulator) Content() string          { return a.content.String() }
func (a *Accumulator) FinishReason() FinishReason { return a.finishReason }
func (a *Accumulator) Usage() TokenUsage        { return a.usage }
func (a *Accumulator) Model() string            { return a.model }

// ToolCalls materializes the accumulated fragments in index order.
func (a *Accumulator) ToolCalls() []ToolCall {
	if len(a.fragments) == 0 {
		return nil
	}
	indices := make([]int, 0, len(a.fragments))
	for index := range a.fragments {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	calls := make([]ToolCall, 0, len(indices))
	for _, index := range indices {
		fragment := a.fragments[index]
		calls = append(calls, ToolCall{
			ID:        fragment.id,
			Type:      fragment.callType,
			Name:      fragment.name.String(),
			Arguments: fragment.arguments.String(),
		})
	}
	return calls
}

// chunkParser folds one SSE data payload into the accumulator and returns
// the snapshot Response for that chunk plus whether the stream is done.
type chunkParser func(data []byte, acc *Accumulator) (*Response, bool, error)

// Stream is a pull-based streamed response. Recv blocks for the next
// chunk and returns io.EOF once the stream terminates; abandoning the
// stream early only requires Close - there is no server-side cancel, so
// the remaining body is simply not drained.
type Stream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	acc     *Accumulator
	parse   chunkParser
	done    bool
	err     error
}

const streamScanBufferSize = 1 << 20

func newStream(body io.ReadCloser, parse chunkParser) *Stream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), streamScanBufferSize)
	return &Stream{
		body:    body,
		scanner: scanner,
		acc:     NewAccumulator(),
		parse:   parse,
	}
}

// Recv returns the next partial Response. Chunks that carry no renderable
// payload (SSE comments, event names, empty deltas) are skipped
// internally. io.EOF signals normal termination.
func (s *Stream) Recv() (*Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.done {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			s.done = true
			return nil, io.EOF
		}

		snapshot, terminal, err := s.parse([]byte(data), s.acc)
		if err != nil {
			s.err = err
			return nil, err
		}
		if terminal {
			s.done = true
		}
		if snapshot == nil {
			if s.done {
				return nil, io.EOF
			}
			continue
		}
		return snapshot, nil
	}

	if err := s.scanner.Err(); err != nil {
		s.err = err
		return nil, err
	}
	s.done = true
	return nil, io.EOF
}

// Accumulated returns the reassembled state so far; valid during and after
// consumption.
func (s *Stream) Accumulated() *Accumulator {
	return s.acc
}

func (s *Stream) Close() error {
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}
