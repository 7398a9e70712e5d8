// Package fsxml renders call-control documents in the FreeSWITCH xml_curl
// dialplan dialect.
package fsxml

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"voip-router/internal/callcontrol"
)

const documentType = "freeswitch/xml"

// Render converts a decision into a dialplan document with a single
// extension whose condition carries every action in order.
func Render(doc *callcontrol.Document) (*Document, error) {
	if doc == nil {
		return nil, fmt.Errorf("render: nil document")
	}

	actions := make([]ActionNode, 0, len(doc.Variables)+len(doc.Actions)+2)
	for _, v := range doc.Variables {
		actions = append(actions, ActionNode{App: "set", Data: v.Name + "=" + v.Value})
	}

	answered := false
	answer := func() {
		if !answered {
			actions = append(actions, ActionNode{App: "answer"})
			answered = true
		}
	}

	for _, a := range doc.Actions {
		switch act := a.(type) {
		case callcontrol.Record:
			actions = append(actions, ActionNode{App: "record_session", Data: act.Path})
		case callcontrol.Bridge:
			if len(act.Legs) == 0 {
				continue
			}
			actions = append(actions, ActionNode{App: "bridge", Data: DialString(act)})
		case callcontrol.Enqueue:
			answer()
			actions = append(actions, ActionNode{App: "callcenter", Data: act.Queue})
		case callcontrol.Menu:
			answer()
			actions = append(actions, ActionNode{App: "ivr", Data: act.Menu})
		case callcontrol.Conference:
			answer()
			actions = append(actions, ActionNode{App: "conference", Data: conferenceData(act)})
		case callcontrol.Voicemail:
			answer()
			actions = append(actions, ActionNode{App: "voicemail", Data: "default " + act.Domain + " " + act.Mailbox})
		case callcontrol.Play:
			answer()
			actions = append(actions, ActionNode{App: "playback", Data: act.File})
		case callcontrol.Hangup:
			actions = append(actions, ActionNode{App: "hangup", Data: act.Cause})
		default:
			return nil, fmt.Errorf("render: unsupported action %T", a)
		}
	}

	contextName := doc.Context
	if contextName == "" {
		contextName = "default"
	}
	field, expr := doc.Field, doc.Expression
	if field == "" {
		field = "destination_number"
	}
	if expr == "" {
		expr = "^.*$"
	}

	return &Document{
		Type: documentType,
		Section: []Section{
			{
				Name:        "dialplan",
				Description: "voip-router " + string(doc.Direction),
				Context: &ContextNode{
					Name: contextName,
					Extension: []ExtensionNode{
						{
							Name: doc.Route,
							Condition: []ConditionNode{
								{Field: field, Expr: expr, Action: actions},
							},
						},
					},
				},
			},
		},
	}, nil
}

// NotFound is the document FreeSWITCH expects when no answer is available.
func NotFound() *Document {
	return &Document{
		Type: documentType,
		Section: []Section{
			{Name: "result", Result: &ResultNode{Status: "not found"}},
		},
	}
}

// DialString builds the bridge argument: parallel legs joined by ",",
// sequential legs by "|", per-leg options in brackets.
func DialString(b callcontrol.Bridge) string {
	sep := ","
	if b.Mode == callcontrol.DialSequential {
		sep = "|"
	}

	legs := make([]string, 0, len(b.Legs))
	for _, l := range b.Legs {
		var opts []string
		if l.Timeout > 0 {
			opts = append(opts, "leg_timeout="+strconv.Itoa(l.Timeout))
		}
		if l.Delay > 0 && b.Mode == callcontrol.DialParallel {
			opts = append(opts, "leg_delay_start="+strconv.Itoa(l.Delay))
		}
		if len(opts) > 0 {
			legs = append(legs, "["+strings.Join(opts, ",")+"]"+l.Endpoint)
		} else {
			legs = append(legs, l.Endpoint)
		}
	}

	out := strings.Join(legs, sep)
	if b.Timeout > 0 {
		out = "{call_timeout=" + strconv.Itoa(b.Timeout) + "}" + out
	}
	return out
}

func conferenceData(c callcontrol.Conference) string {
	data := c.Room
	if c.Profile != "" {
		data += "@" + c.Profile
	}
	if c.PIN != "" {
		data += "+" + c.PIN
	}
	return data
}

// Encode writes doc as indented XML.
func Encode(w io.Writer, doc *Document) error {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Flush()
}
