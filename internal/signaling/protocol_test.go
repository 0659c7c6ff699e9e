package signaling

import (
	"strings"
	"testing"
)

func TestParseClientEvent_Valid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		typ  EventType
	}{
		{"join with info", `{"type":"join-room","roomId":"video-room","userInfo":{"name":"ctl","role":"Controller"}}`, EventJoinRoom},
		{"join bare", `{"type":"join-room","roomId":"control-room"}`, EventJoinRoom},
		{"leave", `{"type":"leave-room"}`, EventLeaveRoom},
		{"offer", `{"type":"offer","targetUserId":"u2","offer":{"type":"offer","sdp":"v=0"}}`, EventOffer},
		{"answer", `{"type":"answer","targetUserId":"u1","answer":{"type":"answer","sdp":"v=0"}}`, EventAnswer},
		{"candidate", `{"type":"ice-candidate","targetUserId":"u1","candidate":{"candidate":"candidate:1"}}`, EventICECandidate},
		{"remote control", `{"type":"remote-control","room":"video-room","action":"restart-stream"}`, EventRemoteControl},
		{"message", `{"type":"message","message":"hello"}`, EventMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := ParseClientEvent([]byte(tt.raw))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Type != tt.typ {
				t.Fatalf("expected type %q, got %q", tt.typ, ev.Type)
			}
		})
	}
}

func TestParseClientEvent_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{"not json", `{`, "unexpected"},
		{"trailing data", `{"type":"leave-room"}{}`, "trailing data"},
		{"unknown field", `{"type":"leave-room","bogus":1}`, "bogus"},
		{"unknown type", `{"type":"shutdown"}`, "unsupported event type"},
		{"join missing room", `{"type":"join-room"}`, "requires roomId"},
		{"offer missing target", `{"type":"offer","offer":{"sdp":"v=0"}}`, "requires targetUserId"},
		{"offer missing payload", `{"type":"offer","targetUserId":"u2"}`, "offer payload"},
		{"answer missing payload", `{"type":"answer","targetUserId":"u2"}`, "answer payload"},
		{"candidate missing payload", `{"type":"ice-candidate","targetUserId":"u2"}`, "candidate payload"},
		{"remote control missing room", `{"type":"remote-control","action":"x"}`, "requires room"},
		{"empty message", `{"type":"message"}`, "message text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseClientEvent([]byte(tt.raw))
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestForwardedStripsTarget(t *testing.T) {
	ev, err := ParseClientEvent([]byte(`{"type":"offer","targetUserId":"u2","offer":{"type":"offer","sdp":"v=0"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	out := ev.forwarded("u1")
	if out.TargetUserID != "" {
		t.Fatalf("expected targetUserId to be stripped")
	}
	if out.FromUserID != "u1" {
		t.Fatalf("expected fromUserId to be set, got %q", out.FromUserID)
	}
	if string(out.Offer) != string(ev.Offer) {
		t.Fatalf("expected payload to be forwarded untouched")
	}
}
