package wire

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/cyberinferno/go-remotedb/serial"
	"github.com/cyberinferno/go-remotedb/session"
)

// Op names a request type.
type Op string

const (
	OpLookup   Op = "lookup"
	OpLogin    Op = "login"
	OpLogout   Op = "logout"
	OpDelegate Op = "delegate"
	OpCall     Op = "call"
	OpCursor   Op = "cursor"
	OpSerials  Op = "serials"
	OpRegister Op = "register"
	OpPing     Op = "ping"
)

// Request is one client call. Session and Token identify the caller for
// every op but lookup and login; Target is the delegate id of call and
// Cursor the exported cursor of cursor.
type Request struct {
	Seq     uint64          `json:"seq"`
	Op      Op              `json:"op"`
	Session uint64          `json:"session,omitempty"`
	Token   string          `json:"token,omitempty"`
	Target  int             `json:"target,omitempty"`
	Cursor  uint64          `json:"cursor,omitempty"`
	Method  string          `json:"method,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Response answers the request with the same Seq.
type Response struct {
	Seq    uint64          `json:"seq"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Decode unmarshals the result into v. A response carrying an error returns
// the rebuilt error.
func (r *Response) Decode(v any) error {
	if r.Error != nil {
		return r.Error.Err()
	}
	if v == nil || len(r.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Result, v); err != nil {
		return fmt.Errorf("wire: malformed result: %w", err)
	}
	return nil
}

// NewResponse answers seq with result or err.
func NewResponse(seq uint64, result any, err error) *Response {
	resp := &Response{Seq: seq}
	if err != nil {
		resp.Error = ErrorOf(err)
		return resp
	}
	if result == nil {
		return resp
	}

	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = &Error{Kind: KindProtocol, Message: fmt.Sprintf("encoding result: %v", err)}
		return resp
	}
	resp.Result = raw
	return resp
}

// LookupArgs asks for the endpoint registered under Name.
type LookupArgs struct {
	Name string `json:"name"`
}

// LookupReply tells a client where to log in.
type LookupReply struct {
	Name      string `json:"name"`
	Transport string `json:"transport"`
	Port      int    `json:"port"`
}

// LoginArgs carries the client's identity.
type LoginArgs struct {
	Identity session.Identity `json:"identity"`
}

// LoginReply identifies the new session and its default transport.
type LoginReply struct {
	Session   uint64 `json:"session"`
	Token     string `json:"token"`
	Transport string `json:"transport"`
	Port      int    `json:"port"`
}

// DelegateArgs asks for the delegate of Class under the caller-chosen ID.
type DelegateArgs struct {
	Class     string                   `json:"class"`
	ID        int                      `json:"id"`
	Transport session.TransportRequest `json:"transport"`
}

// DelegateReply tells the client where to send the delegate's calls.
type DelegateReply struct {
	Class     string `json:"class"`
	Transport string `json:"transport"`
	Port      int    `json:"port"`
}

// SerialsArgs asks for the serials of several tables in one round trip.
type SerialsArgs struct {
	Tables []int32 `json:"tables"`
}

// SerialsReply is aligned with SerialsArgs.Tables.
type SerialsReply struct {
	Serials []int64 `json:"serials"`
}

// RegisterArgs declares tables by name.
type RegisterArgs struct {
	Names []string `json:"names"`
}

// RegisterReply lists the declared tables, aligned with RegisterArgs.Names.
type RegisterReply struct {
	Tables []serial.Table `json:"tables"`
}
