package protocol

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c := NewCodec(&buf)

	msg, err := NewMessage(MsgRegister, "w1", RegisterPayload{
		DeviceID:     "w1",
		Role:         "worker",
		Platform:     "linux",
		Architecture: "amd64",
		Capabilities: Capabilities{
			CPUCores:    4,
			MemoryGB:    8,
			StorageGB:   64,
			HasGPU:      true,
			HasInternet: true,
			Tags:        []string{"home", "x86"},
		},
		SupportedTaskTypes: []string{"echo", "sleep"},
		MaxConcurrentTasks: 4,
	})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	if err := c.WriteMessage(msg); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.MessageType != MsgRegister || got.SenderID != "w1" {
		t.Errorf("envelope mismatch: %+v", got)
	}
	if got.MessageID != msg.MessageID || got.Timestamp != msg.Timestamp {
		t.Errorf("correlation fields changed in transit")
	}

	var p RegisterPayload
	if err := got.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.DeviceID != "w1" || p.Capabilities.CPUCores != 4 || !p.Capabilities.HasGPU {
		t.Errorf("payload mismatch: %+v", p)
	}
	if len(p.Capabilities.Tags) != 2 || p.Capabilities.Tags[0] != "home" {
		t.Errorf("tags mismatch: %v", p.Capabilities.Tags)
	}
	if len(p.SupportedTaskTypes) != 2 {
		t.Errorf("task types mismatch: %v", p.SupportedTaskTypes)
	}
}

func TestCodecMultipleFrames(t *testing.T) {
	var buf bytes.Buffer
	c := NewCodec(&buf)

	for i := 0; i < 3; i++ {
		if err := c.WriteMessage(MustMessage(MsgHeartbeat, "w1", HeartbeatPayload{ActiveTasks: i})); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		msg, err := c.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		var p HeartbeatPayload
		if err := msg.DecodePayload(&p); err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if p.ActiveTasks != i {
			t.Errorf("frame %d out of order: got %d", i, p.ActiveTasks)
		}
	}
}

func TestCodecRejectsOversizedFrame(t *testing.T) {
	big := strings.Repeat("x", 2048)
	buf := bytes.NewBufferString(`{"message_type":"heartbeat","sender_id":"` + big + `"}` + "\n")
	c := NewCodecSize(buf, 1024)

	_, err := c.ReadMessage()
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestCodecRejectsInvalidJSON(t *testing.T) {
	buf := bytes.NewBufferString("{not json}\n")
	c := NewCodec(buf)

	_, err := c.ReadMessage()
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestCodecRejectsUnknownType(t *testing.T) {
	buf := bytes.NewBufferString(`{"message_type":"bogus","sender_id":"w1","data":{}}` + "\n")
	c := NewCodec(buf)

	_, err := c.ReadMessage()
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestCodecRejectsMissingSender(t *testing.T) {
	buf := bytes.NewBufferString(`{"message_type":"heartbeat","data":{}}` + "\n")
	c := NewCodec(buf)

	_, err := c.ReadMessage()
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestRegisterPayloadValidate(t *testing.T) {
	cases := []struct {
		name    string
		payload RegisterPayload
		wantErr bool
	}{
		{"valid", RegisterPayload{DeviceID: "w1"}, false},
		{"missing id", RegisterPayload{}, true},
		{"negative cores", RegisterPayload{DeviceID: "w1", Capabilities: Capabilities{CPUCores: -1}}, true},
		{"negative concurrency", RegisterPayload{DeviceID: "w1", MaxConcurrentTasks: -2}, true},
	}
	for _, tc := range cases {
		err := tc.payload.Validate()
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: got err=%v, want error=%v", tc.name, err, tc.wantErr)
		}
	}
}

func TestTaskResultPayloadValidate(t *testing.T) {
	ok := TaskResultPayload{TaskID: "t1", Status: ResultSuccess}
	if err := ok.Validate(); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}
	bad := TaskResultPayload{TaskID: "t1", Status: "done"}
	if err := bad.Validate(); err == nil {
		t.Errorf("invalid status accepted")
	}
	noID := TaskResultPayload{Status: ResultFailure}
	if err := noID.Validate(); err == nil {
		t.Errorf("missing task_id accepted")
	}
}
