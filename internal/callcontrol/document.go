// Package callcontrol holds the routing decision handed back to the switch:
// an ordered list of actions plus channel variables. Documents are built
// once per lookup and not mutated after they are returned.
package callcontrol

import "voip-router/internal/models"

// Hangup causes used by the router.
const (
	CauseNoRoute      = "NO_ROUTE_DESTINATION"
	CauseNoAnswer     = "NO_ANSWER"
	CauseTimerExpired = "RECOVERY_ON_TIMER_EXPIRE"
)

// DialMode says how the legs of a Bridge are combined.
type DialMode int

const (
	DialSingle DialMode = iota
	DialParallel
	DialSequential
)

func (m DialMode) String() string {
	switch m {
	case DialParallel:
		return "parallel"
	case DialSequential:
		return "sequential"
	default:
		return "single"
	}
}

// Action is one step of a call-control document. The set of implementations
// is closed; renderers switch over all of them.
type Action interface {
	isAction()
}

// Leg is one dial target of a bridge. Delay and Timeout are in seconds, zero
// means unset.
type Leg struct {
	Endpoint string
	Delay    int
	Timeout  int
}

type Bridge struct {
	Mode    DialMode
	Legs    []Leg
	Timeout int
}

type Enqueue struct {
	Queue string
}

type Menu struct {
	Menu string
}

type Conference struct {
	Room    string
	Profile string
	PIN     string
}

type Voicemail struct {
	Domain  string
	Mailbox string
}

type Play struct {
	File string
}

type Hangup struct {
	Cause string
}

// Record starts recording the whole session to Path.
type Record struct {
	Path string
}

func (Bridge) isAction()     {}
func (Enqueue) isAction()    {}
func (Menu) isAction()       {}
func (Conference) isAction() {}
func (Voicemail) isAction()  {}
func (Play) isAction()       {}
func (Hangup) isAction()     {}
func (Record) isAction()     {}

type Variable struct {
	Name  string
	Value string
}

// Document is the rendered decision for a single lookup.
type Document struct {
	CallID     string
	Context    string
	Direction  models.Direction
	Route      string
	Field      string
	Expression string
	Variables  []Variable
	Actions    []Action
	Cause      string
}

// Terminal reports whether the document ends in a hangup without any
// other action, meaning no destination was reached.
func (d *Document) Terminal() bool {
	if len(d.Actions) == 0 {
		return true
	}
	for _, a := range d.Actions {
		switch a.(type) {
		case Hangup, Record:
		default:
			return false
		}
	}
	return true
}

// Var returns the value of the first variable with the given name.
func (d *Document) Var(name string) (string, bool) {
	for _, v := range d.Variables {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

// HangupDocument builds a minimal terminal document.
func HangupDocument(call models.CallContext, cause, reason string) *Document {
	doc := &Document{
		CallID:     call.CallID,
		Context:    call.Context,
		Direction:  call.Direction,
		Route:      "no_route",
		Field:      "destination_number",
		Expression: "^.*$",
		Actions:    []Action{Hangup{Cause: cause}},
		Cause:      cause,
	}
	if reason != "" {
		doc.Variables = append(doc.Variables, Variable{Name: "routing_error", Value: reason})
	}
	return doc
}
