// Package control is the HTTP request/response channel used to start and
// stop relay sessions. Handlers never touch gateway state themselves:
// every request becomes a Command the forwarding loop polls at the top of
// a tick and answers through the command's reply channel.
package control

import "net/http"

type Kind int

const (
	KindStart Kind = iota
	KindStop
	KindUnknown
)

// Result is the forwarding loop's answer to one command.
type Result struct {
	Code    int
	Message string
}

// Command is one parsed control request. Start commands carry the session
// parameters; Stop and Unknown carry only the kind.
type Command struct {
	Kind        Kind
	ID          uint32
	Index       uint16
	DeviceCount int
	Address     string
	Port        int

	reply chan Result
}

// NewCommand builds a command with a buffered reply slot. The HTTP
// handlers build their own; exported for loop-side embedders and tests.
func NewCommand(kind Kind) *Command {
	return &Command{Kind: kind, reply: make(chan Result, 1)}
}

// Respond delivers the loop's result to the waiting handler. Non-blocking
// and idempotent in effect: only the first result is consumed.
func (c *Command) Respond(r Result) {
	select {
	case c.reply <- r:
	default:
	}
}

// Response returns the delivered result without blocking; ok is false
// while the loop has not answered.
func (c *Command) Response() (Result, bool) {
	select {
	case r := <-c.reply:
		return r, true
	default:
		return Result{}, false
	}
}

// NotImplemented is the canned response for command kinds the loop does
// not handle; it never changes session state.
var NotImplemented = Result{Code: http.StatusNotImplemented, Message: "not implemented"}
