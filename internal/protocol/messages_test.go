package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseClientMessage_NewThought(t *testing.T) {
	data := []byte(`{"type":"newThought","content":"exams are rough this week","room":"ACADEMIC","isAnonymous":true}`)

	msgType, msg, err := ParseClientMessage(data)
	if err != nil {
		t.Fatalf("ParseClientMessage() error: %v", err)
	}
	if msgType != TypeNewThought {
		t.Errorf("msgType = %q, want %q", msgType, TypeNewThought)
	}

	m, ok := msg.(NewThoughtMsg)
	if !ok {
		t.Fatalf("msg type = %T, want NewThoughtMsg", msg)
	}
	if m.Content != "exams are rough this week" {
		t.Errorf("Content = %q", m.Content)
	}
	if m.Room != "ACADEMIC" {
		t.Errorf("Room = %q, want ACADEMIC", m.Room)
	}
	if !m.IsAnonymous {
		t.Error("IsAnonymous = false, want true")
	}
}

func TestParseClientMessage_AllTypes(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"register", `{"type":"register","id":"u1","name":"Asha","avatar":"a.png"}`, TypeRegister},
		{"checkPostingBan", `{"type":"checkPostingBan"}`, TypeCheckPostingBan},
		{"joinRoom", `{"type":"joinRoom","room":"ALL"}`, TypeJoinRoom},
		{"loadThoughts", `{"type":"loadThoughts","page":2,"limit":20,"room":"REFLECTIVE"}`, TypeLoadThoughts},
		{"toggleReaction", `{"type":"toggleReaction","thoughtId":"t1"}`, TypeToggleReaction},
		{"editThought", `{"type":"editThought","thoughtId":"t1","content":"updated content here"}`, TypeEditThought},
		{"deleteThought", `{"type":"deleteThought","thoughtId":"t1"}`, TypeDeleteThought},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tt.data))
			if err != nil {
				t.Fatalf("ParseClientMessage(%s) error: %v", tt.data, err)
			}
			if msgType != tt.want {
				t.Errorf("msgType = %q, want %q", msgType, tt.want)
			}
			if msg == nil {
				t.Error("msg is nil")
			}
		})
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"content":"hello"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"selfDestruct"}`},
		{"server-only type", `{"type":"thoughtCreated"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseClientMessage([]byte(tt.data))
			if err == nil {
				t.Errorf("ParseClientMessage(%s) expected error, got nil", tt.data)
			}
		})
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypeThoughtRejected, ThoughtRejectedMsg{
		Message:          "doesn't meet community guidelines",
		StrikesRemaining: 1,
	})
	if err != nil {
		t.Fatalf("NewServerMessage() error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if m["type"] != TypeThoughtRejected {
		t.Errorf("type = %v, want %q", m["type"], TypeThoughtRejected)
	}
	if !strings.Contains(string(data), "community guidelines") {
		t.Errorf("payload missing message: %s", data)
	}
}

func TestNewServerMessage_OverridesStaleType(t *testing.T) {
	// The Type field on the struct is ignored in favor of the explicit arg.
	data, err := NewServerMessage(TypePong, ErrorMsg{Type: "error", Code: "x"})
	if err != nil {
		t.Fatalf("NewServerMessage() error: %v", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["type"] != TypePong {
		t.Errorf("type = %v, want %q", m["type"], TypePong)
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	raw := `{"type":"joinRoom","room":"ACADEMIC"}`

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypeJoinRoom {
		t.Errorf("Type = %q, want %q", env.Type, TypeJoinRoom)
	}
	if string(env.Raw) != raw {
		t.Errorf("Raw = %s, want %s", env.Raw, raw)
	}
}
