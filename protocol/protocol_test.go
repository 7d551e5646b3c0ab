package protocol

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	envelopes := []*Envelope{
		NewPresence("andrei", "online"),
		NewAuthenticate("andrei", "secret"),
		NewMessage("andrei", "vadim", "hi"),
		NewGetContacts("andrei"),
		NewAddContact("andrei", "vadim"),
		NewDelContact("andrei", "vadim"),
	}

	for _, env := range envelopes {
		b, err := Encode(env)
		if err != nil {
			t.Fatalf("Encode %s: %v", env.Action, err)
		}
		if !strings.HasSuffix(string(b), "\n") {
			t.Errorf("Encode %s: frame not newline-terminated: %q", env.Action, b)
		}

		got, err := Decode(b)
		if err != nil {
			t.Fatalf("Decode %s: %v", env.Action, err)
		}
		if !reflect.DeepEqual(got, env) {
			t.Errorf("Round trip %s: expected %+v, got %+v", env.Action, env, got)
		}
	}
}

func TestResponseRoundTrip(t *testing.T) {
	responses := []*Response{
		NewResponse(StatusOK, "Ok"),
		NewResponse(StatusAuthFailed, "Wrong account name or password"),
		NewListResponse(StatusAccepted, []string{"vadim", "olga"}),
	}

	for _, resp := range responses {
		b, err := Encode(resp)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		got, err := DecodeResponse(b)
		if err != nil {
			t.Fatalf("DecodeResponse: %v", err)
		}
		if !reflect.DeepEqual(got, resp) {
			t.Errorf("Expected %+v, got %+v", resp, got)
		}
	}
}

func TestEmptyListAlertEncodesAsArray(t *testing.T) {
	b, err := Encode(NewListResponse(StatusAccepted, nil))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(b), `"alert":[]`) {
		t.Errorf("Expected empty list alert, got %s", b)
	}
}

func TestDecodeWireFormat(t *testing.T) {
	raw := `{"action": "msg", "time": 1700000000, "to": "vadim", "from": "andrei", "encoding": "utf-8", "message": "hi"}`

	env, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Action != ActionMsg || env.To != "vadim" || env.From != "andrei" || env.Message != "hi" {
		t.Errorf("Unexpected envelope: %+v", env)
	}
	if env.Time != 1700000000 {
		t.Errorf("Expected time 1700000000, got %d", env.Time)
	}
}

func TestDecodeFractionalTime(t *testing.T) {
	env, err := Decode([]byte(`{"action":"get_contacts","time":1700000000123.5,"user_login":"a"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Time != 1700000000123 {
		t.Errorf("Expected truncated time, got %d", env.Time)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"not json", `hello`, ErrMalformedPayload},
		{"truncated", `{"action": "presence"`, ErrMalformedPayload},
		{"no action", `{"time": 1}`, ErrMalformedPayload},
		{"unknown action", `{"action": "dance", "time": 1}`, ErrUnknownAction},
		{"presence without user", `{"action": "presence", "time": 1}`, ErrMalformedPayload},
		{"authenticate without password", `{"action": "authenticate", "user": {"account_name": "a"}}`, ErrMalformedPayload},
		{"msg without recipient", `{"action": "msg", "message": "hi"}`, ErrMalformedPayload},
		{"msg without text", `{"action": "msg", "to": "b"}`, ErrMalformedPayload},
		{"get_contacts without login", `{"action": "get_contacts"}`, ErrMalformedPayload},
		{"add_contact without login", `{"action": "add_contact", "user_id": "a"}`, ErrMalformedPayload},
		{"del_contact without login", `{"action": "del_contact", "user_id": "a"}`, ErrMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestFrames(t *testing.T) {
	chunk := `{"action":"get_contacts","user_login":"a"}` + "\n" + `{"action":"del_contact","user_login":"b"}`

	frames, err := Frames([]byte(chunk))
	if err != nil {
		t.Fatalf("Frames: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("Expected 2 frames, got %d", len(frames))
	}
	if _, err := Decode(frames[1]); err != nil {
		t.Errorf("Decode second frame: %v", err)
	}
}

func TestFramesTrailingFragment(t *testing.T) {
	chunk := `{"action":"get_contacts","user_login":"a"}{"action":`

	frames, err := Frames([]byte(chunk))
	if !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("Expected ErrMalformedPayload, got %v", err)
	}
	if len(frames) != 1 {
		t.Errorf("Expected the complete frame to survive, got %d", len(frames))
	}
}

func TestIsBroadcast(t *testing.T) {
	for _, to := range []string{"all", "ALL", "All", "aLl"} {
		if !IsBroadcast(to) {
			t.Errorf("Expected %q to be broadcast", to)
		}
	}
	for _, to := range []string{"", "alla", "vadim"} {
		if IsBroadcast(to) {
			t.Errorf("Expected %q not to be broadcast", to)
		}
	}
}
