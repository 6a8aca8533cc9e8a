package wasi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/warmer/executor"
	"github.com/caffeineduck/warmer/hostfunc"
)

func TestFindNextMessage(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		wantIdx     int
		wantMsgType messageType
	}{
		{"no message", "hello world", -1, messageNone},
		{"call message", "prefix\x00WARM_CALL:{}\x00suffix", 6, messageCall},
		{"done signal", "out\x00WARM_DONE\x00", 3, messageDone},
		{"error message", "\x00WARM_ERROR:boom\x00", 0, messageError},
		{"ready signal", "\x00WARM_READY\x00", 0, messageReady},
		{"call before done", "\x00WARM_CALL:{}\x00\x00WARM_DONE\x00", 0, messageCall},
		{"done before call", "\x00WARM_DONE\x00\x00WARM_CALL:{}\x00", 0, messageDone},
		{"empty content", "", -1, messageNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, msgType := findNextMessage(tt.content)
			if idx != tt.wantIdx {
				t.Errorf("idx = %d, want %d", idx, tt.wantIdx)
			}
			if msgType != tt.wantMsgType {
				t.Errorf("msgType = %d, want %d", msgType, tt.wantMsgType)
			}
		})
	}
}

func TestExtractMessage(t *testing.T) {
	tests := []struct {
		name          string
		content       string
		idx           int
		prefix        string
		wantPayload   string
		wantRemaining string
		wantOK        bool
	}{
		{
			name:          "valid call",
			content:       "prefix\x00WARM_CALL:{\"fn\":\"test\"}\x00suffix",
			idx:           6,
			prefix:        callPrefix,
			wantPayload:   `{"fn":"test"}`,
			wantRemaining: "suffix",
			wantOK:        true,
		},
		{
			name:    "incomplete message",
			content: "prefix\x00WARM_CALL:{partial",
			idx:     6,
			prefix:  callPrefix,
			wantOK:  false,
		},
		{
			name:          "error trace",
			content:       "\x00WARM_ERROR:line 1\nValueError: x\x00rest",
			idx:           0,
			prefix:        errorPrefix,
			wantPayload:   "line 1\nValueError: x",
			wantRemaining: "rest",
			wantOK:        true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, remaining, ok := extractMessage(tt.content, tt.idx, tt.prefix)
			if payload != tt.wantPayload {
				t.Errorf("payload = %q, want %q", payload, tt.wantPayload)
			}
			if remaining != tt.wantRemaining {
				t.Errorf("remaining = %q, want %q", remaining, tt.wantRemaining)
			}
			if ok != tt.wantOK {
				t.Errorf("ok = %v, want %v", ok, tt.wantOK)
			}
		})
	}
}

func TestPartialMarkerStart(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"plain", -1},
		{"text\x00WARM_", 4},
		{"text\x00", 4},
		{"text\x00other", -1},
	}
	for _, tt := range tests {
		if got := partialMarkerStart(tt.content); got != tt.want {
			t.Errorf("partialMarkerStart(%q) = %d, want %d", tt.content, got, tt.want)
		}
	}
}

func TestCallResponseJSON(t *testing.T) {
	tests := []struct {
		name     string
		resp     callResponse
		wantJSON string
	}{
		{"success response", callResponse{Data: "value"}, `"data":"value"`},
		{"error response", callResponse{Error: "something failed"}, `"error":"something failed"`},
		{"id response", callResponse{ID: "42", Data: "result"}, `"id":"42"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, _ := json.Marshal(tt.resp)
			if !strings.Contains(string(data), tt.wantJSON) {
				t.Errorf("json = %q, want to contain %q", string(data), tt.wantJSON)
			}
		})
	}
}

func TestProtocolPassthroughAndDone(t *testing.T) {
	p := newGuestProtocol(nil, io.Discard)
	var stderr bytes.Buffer
	p.begin(context.Background(), &stderr)

	// Markers may be split across writes.
	p.Write([]byte("warning: slow\n\x00WARM_"))
	p.Write([]byte("DONE\x00"))

	select {
	case err := <-p.Done():
		if err != nil {
			t.Fatalf("done err = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("done signal not seen")
	}
	p.end()

	if stderr.String() != "warning: slow\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestProtocolReady(t *testing.T) {
	p := newGuestProtocol(nil, io.Discard)
	p.Write([]byte(readySignal))
	p.Write([]byte(readySignal))

	select {
	case <-p.Ready():
	default:
		t.Fatal("ready not signalled")
	}
}

func TestProtocolError(t *testing.T) {
	p := newGuestProtocol(nil, io.Discard)
	p.begin(context.Background(), io.Discard)
	p.Write([]byte("\x00WARM_ERROR:Traceback:\n  line 3\nValueError: bad\n\x00"))

	err := <-p.Done()
	var execErr *executor.ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %T %v, want *executor.ExecError", err, err)
	}
	if execErr.Message != "ValueError: bad" {
		t.Errorf("message = %q", execErr.Message)
	}
	if !strings.HasPrefix(execErr.Trace, "Traceback:") {
		t.Errorf("trace = %q", execErr.Trace)
	}
	p.end()
}

func TestProtocolHostCall(t *testing.T) {
	caps, err := hostfunc.NewTable(hostfunc.NewKV(hostfunc.DefaultKVConfig()).Module())
	if err != nil {
		t.Fatal(err)
	}

	stdinReader, stdinWriter := io.Pipe()
	defer stdinReader.Close()
	p := newGuestProtocol(caps, stdinWriter)
	p.begin(context.Background(), io.Discard)

	responses := bufio.NewScanner(stdinReader)
	call := func(payload string) callResponse {
		t.Helper()
		p.Write([]byte(callPrefix + payload + markerSuffix))
		if !responses.Scan() {
			t.Fatalf("no response: %v", responses.Err())
		}
		var resp callResponse
		if err := json.Unmarshal(responses.Bytes(), &resp); err != nil {
			t.Fatalf("bad response %q: %v", responses.Text(), err)
		}
		return resp
	}

	resp := call(`{"id":"1","fn":"kv.set","args":{"key":"a","value":"b"}}`)
	if resp.ID != "1" || resp.Error != "" {
		t.Errorf("set response = %+v", resp)
	}

	resp = call(`{"id":"2","fn":"kv.get","args":{"key":"a"}}`)
	if resp.ID != "2" || resp.Data != "b" {
		t.Errorf("get response = %+v", resp)
	}

	resp = call(`{"id":"3","fn":"nope.nothing","args":{}}`)
	if !strings.Contains(resp.Error, "unknown function") {
		t.Errorf("unknown response = %+v", resp)
	}

	resp = call(`{not json}`)
	if resp.Error != "invalid call format" {
		t.Errorf("invalid response = %+v", resp)
	}

	p.end()
}

func TestNewGuestError(t *testing.T) {
	err := newGuestError("")
	var execErr *executor.ExecError
	if !errors.As(err, &execErr) || execErr.Message == "" {
		t.Errorf("empty trace gave %+v", err)
	}
}
