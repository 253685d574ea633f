package rest

import (
	"encoding/json"
	"net/url"
)

// Descriptor describes a single brokerage REST operation. The TR ID selects
// which remote operation the request performs; the transport details
// (token, quota, retries) are the executor's concern, not the caller's.
type Descriptor struct {
	Method string
	Path   string
	TRID   string
	Query  url.Values
	Body   interface{}
}

// Response is the parsed brokerage envelope. The brokerage reports
// business-level status in the body (rt_cd) independently of the HTTP
// transport status, so a 200 response can still carry a non-success code.
type Response struct {
	Status     int
	ReturnCode string          `json:"rt_cd"`
	MsgCode    string          `json:"msg_cd"`
	Message    string          `json:"msg1"`
	Output     json.RawMessage `json:"output"`
	Raw        []byte          `json:"-"`
}

// OK reports whether the in-body brokerage status is a success.
func (r *Response) OK() bool {
	return r.ReturnCode == "" || r.ReturnCode == "0"
}

// DecodeOutput unmarshals the envelope's output payload into dest.
func (r *Response) DecodeOutput(dest interface{}) error {
	if len(r.Output) == 0 {
		return nil
	}
	return json.Unmarshal(r.Output, dest)
}
