package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
	ErrUnknownAction    = errors.New("unknown action")
)

type Action string

const (
	ActionPresence     Action = "presence"
	ActionAuthenticate Action = "authenticate"
	ActionMsg          Action = "msg"
	ActionGetContacts  Action = "get_contacts"
	ActionAddContact   Action = "add_contact"
	ActionDelContact   Action = "del_contact"
)

// Known reports whether the action is part of the protocol.
func (a Action) Known() bool {
	switch a {
	case ActionPresence, ActionAuthenticate, ActionMsg,
		ActionGetContacts, ActionAddContact, ActionDelContact:
		return true
	}
	return false
}

// Response codes
const (
	StatusOK         = 200
	StatusCreated    = 201
	StatusAccepted   = 202
	StatusBadRequest = 400
	StatusAuthFailed = 402

	StatusServerError = 500 // storage failure while handling a valid request
)

const (
	// AllRecipients addresses every authenticated session. Compared case-insensitively.
	AllRecipients = "all"

	DefaultEncoding = "utf-8"
	PresenceType    = "status"
)

// IsBroadcast reports whether a msg recipient is the broadcast sentinel.
func IsBroadcast(to string) bool {
	return strings.EqualFold(to, AllRecipients)
}

// Timestamp is a unix time in seconds. Fractional values sent by older
// clients are truncated on decode.
type Timestamp int64

func Now() Timestamp {
	return Timestamp(time.Now().UTC().Unix())
}

func (t Timestamp) Time() time.Time {
	return time.Unix(int64(t), 0).UTC()
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*t = Timestamp(f)
	return nil
}

type User struct {
	AccountName string `json:"account_name"`
	Status      string `json:"status,omitempty"`
	Password    string `json:"password,omitempty"`
}

// Envelope is a client request, or a msg routed to its recipient.
type Envelope struct {
	Action    Action    `json:"action"`
	Time      Timestamp `json:"time"`
	Type      string    `json:"type,omitempty"`
	User      *User     `json:"user,omitempty"`
	To        string    `json:"to,omitempty"`
	From      string    `json:"from,omitempty"`
	Encoding  string    `json:"encoding,omitempty"`
	Message   string    `json:"message,omitempty"`
	UserLogin string    `json:"user_login,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
}

// Alert is either a human-readable string or, for get_contacts, a list of names.
type Alert struct {
	Text   string
	List   []string
	IsList bool
}

func (a Alert) MarshalJSON() ([]byte, error) {
	if a.IsList {
		list := a.List
		if list == nil {
			list = []string{}
		}
		return json.Marshal(list)
	}
	return json.Marshal(a.Text)
}

func (a *Alert) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var list []string
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*a = Alert{List: list, IsList: true}
		return nil
	}
	var text string
	if err := json.Unmarshal(b, &text); err != nil {
		return err
	}
	*a = Alert{Text: text}
	return nil
}

func (a Alert) String() string {
	if a.IsList {
		return strings.Join(a.List, ",")
	}
	return a.Text
}

type Response struct {
	Response int       `json:"response"`
	Time     Timestamp `json:"time"`
	Alert    Alert     `json:"alert"`
}

func NewResponse(code int, alert string) *Response {
	return &Response{Response: code, Time: Now(), Alert: Alert{Text: alert}}
}

func NewListResponse(code int, items []string) *Response {
	return &Response{Response: code, Time: Now(), Alert: Alert{List: items, IsList: true}}
}

func NewPresence(accountName, status string) *Envelope {
	return &Envelope{
		Action: ActionPresence,
		Time:   Now(),
		Type:   PresenceType,
		User:   &User{AccountName: accountName, Status: status},
	}
}

func NewAuthenticate(accountName, password string) *Envelope {
	return &Envelope{
		Action: ActionAuthenticate,
		Time:   Now(),
		User:   &User{AccountName: accountName, Password: password},
	}
}

func NewMessage(from, to, text string) *Envelope {
	return &Envelope{
		Action:   ActionMsg,
		Time:     Now(),
		To:       to,
		From:     from,
		Encoding: DefaultEncoding,
		Message:  text,
	}
}

func NewGetContacts(login string) *Envelope {
	return &Envelope{Action: ActionGetContacts, Time: Now(), UserLogin: login}
}

func NewAddContact(owner, contact string) *Envelope {
	return &Envelope{Action: ActionAddContact, Time: Now(), UserID: owner, UserLogin: contact}
}

func NewDelContact(owner, contact string) *Envelope {
	return &Envelope{Action: ActionDelContact, Time: Now(), UserID: owner, UserLogin: contact}
}

// Encode serializes an envelope or response as one newline-terminated frame.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses a single request frame and checks the fields its action requires.
func Decode(b []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Action == "" {
		return nil, fmt.Errorf("%w: action is required", ErrMalformedPayload)
	}
	if !env.Action.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *Envelope) validate() error {
	var missing string
	switch e.Action {
	case ActionPresence:
		if e.User == nil || e.User.AccountName == "" {
			missing = "user.account_name"
		}
	case ActionAuthenticate:
		switch {
		case e.User == nil || e.User.AccountName == "":
			missing = "user.account_name"
		case e.User.Password == "":
			missing = "user.password"
		}
	case ActionMsg:
		switch {
		case e.To == "":
			missing = "to"
		case e.Message == "":
			missing = "message"
		}
	case ActionGetContacts, ActionAddContact, ActionDelContact:
		if e.UserLogin == "" {
			missing = "user_login"
		}
	}
	if missing != "" {
		return fmt.Errorf("%w: %s is required for %s", ErrMalformedPayload, missing, e.Action)
	}
	return nil
}

// DecodeResponse parses a server response frame.
func DecodeResponse(b []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(b, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return &resp, nil
}

// Frames splits one read chunk into the complete JSON texts it holds.
// Frames before a broken or truncated text are returned along with
// ErrMalformedPayload.
func Frames(b []byte) ([][]byte, error) {
	var frames [][]byte
	dec := json.NewDecoder(bytes.NewReader(b))
	for {
		var raw json.RawMessage
		err := dec.Decode(&raw)
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		frames = append(frames, []byte(raw))
	}
}
