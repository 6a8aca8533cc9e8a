package wasi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/caffeineduck/warmer/hostfunc"
)

// Markers a guest writes to its stderr. Everything between markers is the
// guest's own stderr output.
//
//	\x00WARM_READY\x00           guest finished booting
//	\x00WARM_DONE\x00            current exec succeeded
//	\x00WARM_ERROR:<trace>\x00   current exec failed
//	\x00WARM_CALL:<json>\x00     host function call
const (
	readySignal  = "\x00WARM_READY\x00"
	doneSignal   = "\x00WARM_DONE\x00"
	errorPrefix  = "\x00WARM_ERROR:"
	callPrefix   = "\x00WARM_CALL:"
	markerSuffix = "\x00"
)

type messageType int

const (
	messageNone messageType = iota
	messageReady
	messageDone
	messageError
	messageCall
)

var markers = []struct {
	prefix string
	typ    messageType
}{
	{readySignal, messageReady},
	{doneSignal, messageDone},
	{errorPrefix, messageError},
	{callPrefix, messageCall},
}

// findNextMessage returns the index and type of the earliest marker in content.
func findNextMessage(content string) (int, messageType) {
	best, typ := -1, messageNone
	for _, m := range markers {
		if idx := strings.Index(content, m.prefix); idx != -1 && (best == -1 || idx < best) {
			best, typ = idx, m.typ
		}
	}
	return best, typ
}

// extractMessage returns the payload of the marker starting at idx and the
// content after it. ok is false when the marker is not yet terminated.
func extractMessage(content string, idx int, prefix string) (payload, remaining string, ok bool) {
	start := idx + len(prefix)
	if start > len(content) {
		return "", "", false
	}
	end := strings.Index(content[start:], markerSuffix)
	if end == -1 {
		return "", "", false
	}
	return content[start : start+end], content[start+end+len(markerSuffix):], true
}

// partialMarkerStart returns the index of a trailing fragment that could
// still grow into a marker, or -1.
func partialMarkerStart(content string) int {
	idx := strings.LastIndex(content, "\x00")
	if idx == -1 {
		return -1
	}
	tail := content[idx:]
	for _, m := range markers {
		if strings.HasPrefix(m.prefix, tail) {
			return idx
		}
	}
	return -1
}

type callRequest struct {
	ID   string         `json:"id,omitempty"`
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args"`
}

type callResponse struct {
	ID    string `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// guestProtocol is the guest's stderr. It strips markers out of the stream,
// answers host calls on the guest's stdin, and forwards the rest to the
// stderr writer of the current evaluation.
type guestProtocol struct {
	caps  *hostfunc.Table
	stdin io.Writer

	buf    bytes.Buffer
	ctx    context.Context
	stderr io.Writer

	readyCh chan struct{}
	ready   bool
	doneCh  chan error

	mu      sync.Mutex
	writeMu sync.Mutex
	calls   sync.WaitGroup
}

func newGuestProtocol(caps *hostfunc.Table, stdin io.Writer) *guestProtocol {
	return &guestProtocol{
		caps:    caps,
		stdin:   stdin,
		ctx:     context.Background(),
		stderr:  io.Discard,
		readyCh: make(chan struct{}),
		doneCh:  make(chan error, 1),
	}
}

// begin points the protocol at a new evaluation.
func (p *guestProtocol) begin(ctx context.Context, stderr io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	select {
	case <-p.doneCh:
	default:
	}
	p.ctx, p.stderr = ctx, stderr
}

// end flushes buffered text and detaches the evaluation's writer.
func (p *guestProtocol) end() {
	p.calls.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.buf.Len() > 0 {
		p.stderr.Write(p.buf.Bytes())
		p.buf.Reset()
	}
	p.ctx, p.stderr = context.Background(), io.Discard
}

func (p *guestProtocol) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.Write(data)
	for p.processNext() {
	}
	return len(data), nil
}

// processNext handles the earliest complete marker in the buffer. It
// returns false when nothing more can be handled until more data arrives.
func (p *guestProtocol) processNext() bool {
	content := p.buf.String()

	idx, typ := findNextMessage(content)
	if typ == messageNone {
		keep := partialMarkerStart(content)
		if keep == -1 {
			keep = len(content)
		}
		p.passthrough(content[:keep])
		p.buf.Reset()
		p.buf.WriteString(content[keep:])
		return false
	}

	var payload, remaining string
	switch typ {
	case messageReady:
		remaining = content[idx+len(readySignal):]
	case messageDone:
		remaining = content[idx+len(doneSignal):]
	case messageError, messageCall:
		prefix := errorPrefix
		if typ == messageCall {
			prefix = callPrefix
		}
		var ok bool
		payload, remaining, ok = extractMessage(content, idx, prefix)
		if !ok {
			p.passthrough(content[:idx])
			p.buf.Reset()
			p.buf.WriteString(content[idx:])
			return false
		}
	}

	p.passthrough(content[:idx])
	p.buf.Reset()
	p.buf.WriteString(remaining)

	switch typ {
	case messageReady:
		if !p.ready {
			p.ready = true
			close(p.readyCh)
		}
	case messageDone:
		p.finish(nil)
	case messageError:
		p.finish(newGuestError(payload))
	case messageCall:
		p.handleCall(payload)
	}
	return true
}

func (p *guestProtocol) passthrough(s string) {
	if s != "" {
		io.WriteString(p.stderr, s)
	}
}

func (p *guestProtocol) finish(err error) {
	select {
	case p.doneCh <- err:
	default:
	}
}

func (p *guestProtocol) handleCall(payload string) {
	var req callRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		p.respondAsync(callResponse{Error: "invalid call format"})
		return
	}
	ctx := p.ctx

	// The guest blocks reading stdin for the answer while this Write is
	// still on its stack, so the response must not be written inline.
	p.calls.Add(1)
	go func() {
		defer p.calls.Done()
		resp := p.executeCall(ctx, req)
		resp.ID = req.ID
		p.respond(resp)
	}()
}

func (p *guestProtocol) executeCall(ctx context.Context, req callRequest) (resp callResponse) {
	defer func() {
		if r := recover(); r != nil {
			resp = callResponse{Error: "host function panicked"}
		}
	}()

	if p.caps == nil {
		return callResponse{Error: "unknown function: " + req.Fn}
	}
	fn, ok := p.caps.Get(req.Fn)
	if !ok {
		return callResponse{Error: "unknown function: " + req.Fn}
	}
	if req.Args == nil {
		req.Args = map[string]any{}
	}
	result, err := fn(ctx, req.Args)
	if err != nil {
		return callResponse{Error: err.Error()}
	}
	return callResponse{Data: result}
}

func (p *guestProtocol) respondAsync(resp callResponse) {
	p.calls.Add(1)
	go func() {
		defer p.calls.Done()
		p.respond(resp)
	}()
}

func (p *guestProtocol) respond(resp callResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		data, _ = json.Marshal(callResponse{ID: resp.ID, Error: "internal: failed to marshal response"})
	}
	p.send(append(data, '\n'))
}

// send writes one line to the guest's stdin.
func (p *guestProtocol) send(line []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := p.stdin.Write(line)
	return err
}

func (p *guestProtocol) Ready() <-chan struct{} {
	return p.readyCh
}

func (p *guestProtocol) Done() <-chan error {
	return p.doneCh
}
