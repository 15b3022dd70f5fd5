package chat

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestPlaceholderIDs(t *testing.T) {
	cid := NewClientID()
	id := PlaceholderID(cid)
	if !IsPlaceholderID(id) {
		t.Errorf("IsPlaceholderID(%q) = false, want true", id)
	}
	if IsPlaceholderID(cid) {
		t.Errorf("IsPlaceholderID(%q) = true for a bare client id", cid)
	}
	if IsPlaceholderID("srv-123") {
		t.Error("server id reported as placeholder")
	}
}

func TestFurtherNeverMovesBackwards(t *testing.T) {
	tests := []struct {
		a, b, want Status
	}{
		{StatusPending, StatusSent, StatusSent},
		{StatusRead, StatusSent, StatusRead},
		{StatusFailed, StatusSent, StatusSent},
		{StatusDelivered, StatusDelivered, StatusDelivered},
	}
	for _, tt := range tests {
		if got := Further(tt.a, tt.b); got != tt.want {
			t.Errorf("Further(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestValidateOutgoing(t *testing.T) {
	valid := func() *Message {
		return &Message{ConversationID: "c1", SenderID: "me", RecipientID: "you", Body: Body{Text: "hi"}}
	}
	tests := []struct {
		name    string
		mutate  func(m *Message)
		wantErr bool
	}{
		{"valid text", func(m *Message) {}, false},
		{"missing conversation", func(m *Message) { m.ConversationID = "" }, true},
		{"missing sender", func(m *Message) { m.SenderID = "" }, true},
		{"missing recipient", func(m *Message) { m.RecipientID = "" }, true},
		{"blank text", func(m *Message) { m.Body.Text = "   " }, true},
		{"too long", func(m *Message) { m.Body.Text = strings.Repeat("a", MaxTextLength+1) }, true},
		{"image only", func(m *Message) { m.Body = Body{Media: &Media{Kind: MediaImage, URL: "https://x/y.png"}} }, false},
		{"voice without duration", func(m *Message) { m.Body = Body{Media: &Media{Kind: MediaVoice, URL: "https://x/y.m4a"}} }, true},
		{"unknown media", func(m *Message) { m.Body = Body{Media: &Media{Kind: "video", URL: "u"}} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := valid()
			tt.mutate(m)
			err := ValidateOutgoing(m)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateOutgoing() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("error %v does not wrap ErrValidation", err)
			}
		})
	}
}

func TestActionEnvelope(t *testing.T) {
	actions := []Action{
		MarkRead{ConversationID: "c1", MessageIDs: []string{"m1", "m2"}},
		DeleteMessage{ConversationID: "c1", MessageID: "m1"},
		UpdateMessage{ConversationID: "c1", MessageID: "m1", Body: Body{Text: "edited"}},
	}
	for _, a := range actions {
		t.Run(string(a.Kind()), func(t *testing.T) {
			data, err := MarshalAction(a)
			if err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(string(data), `"type":"`+string(a.Kind())+`"`) {
				t.Errorf("envelope %s missing type tag", data)
			}
			got, err := UnmarshalAction(data)
			if err != nil {
				t.Fatal(err)
			}
			if got.Kind() != a.Kind() || got.Conversation() != "c1" {
				t.Errorf("decoded %#v, want %#v", got, a)
			}
		})
	}
}

func TestUnmarshalActionUnknownType(t *testing.T) {
	if _, err := UnmarshalAction([]byte(`{"type":"archive","payload":{}}`)); err == nil {
		t.Error("expected error for unknown action type")
	}
}

func TestWithMessageIDs(t *testing.T) {
	rewrite := func(id string) string {
		if id == "local-1" {
			return "srv-1"
		}
		return id
	}
	a := MarkRead{ConversationID: "c", MessageIDs: []string{"local-1", "srv-2"}}.WithMessageIDs(rewrite).(MarkRead)
	if a.MessageIDs[0] != "srv-1" || a.MessageIDs[1] != "srv-2" {
		t.Errorf("ids = %v", a.MessageIDs)
	}
	d := DeleteMessage{ConversationID: "c", MessageID: "local-1"}.WithMessageIDs(rewrite).(DeleteMessage)
	if d.MessageID != "srv-1" {
		t.Errorf("delete id = %q, want srv-1", d.MessageID)
	}
}

func TestValidateAction(t *testing.T) {
	if err := ValidateAction(MarkRead{ConversationID: "c"}); !errors.Is(err, ErrValidation) {
		t.Errorf("mark_read without ids: err = %v", err)
	}
	if err := ValidateAction(UpdateMessage{ConversationID: "c", MessageID: "m"}); !errors.Is(err, ErrValidation) {
		t.Errorf("update without body: err = %v", err)
	}
	if err := ValidateAction(nil); !errors.Is(err, ErrValidation) {
		t.Errorf("nil action: err = %v", err)
	}
	if err := ValidateAction(DeleteMessage{ConversationID: "c", MessageID: "m"}); err != nil {
		t.Errorf("valid delete: err = %v", err)
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Code
	}{
		{nil, ""},
		{fmt.Errorf("send: %w", ErrNetwork), CodeNetwork},
		{fmt.Errorf("%w: empty", ErrValidation), CodeValidation},
		{ErrNotInitialized, CodeNotInitialized},
		{fmt.Errorf("wrap: %w", ErrRetryExhausted), CodeRetryExhausted},
		{ErrStorage, CodeStorage},
		{fmt.Errorf("http 400: %w", ErrRejected), CodeRejected},
		{errors.New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		if got := CodeOf(tt.err); got != tt.want {
			t.Errorf("CodeOf(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(errors.New("connection reset")) {
		t.Error("plain error should be retryable")
	}
	if Retryable(fmt.Errorf("http 403: %w", ErrRejected)) {
		t.Error("rejected error should not be retryable")
	}
	if Retryable(nil) {
		t.Error("nil should not be retryable")
	}
}
