// Package ringgroup turns a ring group definition into a dial plan fragment.
package ringgroup

import (
	"log/slog"
	"math/rand/v2"
	"sort"
	"strconv"

	"voip-router/internal/callcontrol"
	"voip-router/internal/models"
	"voip-router/internal/registry"
)

const (
	defaultCallTimeout   = 60
	defaultMemberTimeout = 20
)

// StatusReader is the read side of the registration table.
type StatusReader interface {
	Get(extension, domain string) (registry.ExtensionStatus, bool)
}

// Plan is the dial plan for one ring group. Forward is set when the timeout
// action hands the call to another destination, which the caller resolves.
type Plan struct {
	Variables []callcontrol.Variable
	Actions   []callcontrol.Action
	Forward   *models.Destination
	Dialed    []string
	Skipped   []string
}

type Engine struct {
	status  StatusReader
	logger  *slog.Logger
	shuffle func(legs []callcontrol.Leg)
}

// New creates an engine. status may be nil, in which case no member is
// skipped for being unregistered.
func New(status StatusReader, logger *slog.Logger) *Engine {
	return &Engine{
		status: status,
		logger: logger.With("component", "ring_group"),
		shuffle: func(legs []callcontrol.Leg) {
			rand.Shuffle(len(legs), func(i, j int) { legs[i], legs[j] = legs[j], legs[i] })
		},
	}
}

// BuildDialPlan does no I/O; member registration state comes from the
// in-memory table.
func (e *Engine) BuildDialPlan(group *models.RingGroup, call models.CallContext) Plan {
	callTimeout := group.CallTimeout
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	plan := Plan{
		Variables: []callcontrol.Variable{
			{Name: "ring_group_id", Value: group.ID},
			{Name: "ring_group_name", Value: group.Name},
			{Name: "call_timeout", Value: strconv.Itoa(callTimeout)},
			{Name: "continue_on_fail", Value: "true"},
			{Name: "hangup_after_bridge", Value: "true"},
		},
	}
	if group.CallerIDName != "" {
		plan.Variables = append(plan.Variables, callcontrol.Variable{Name: "effective_caller_id_name", Value: group.CallerIDName})
	}
	if group.CallerIDNumber != "" {
		plan.Variables = append(plan.Variables, callcontrol.Variable{Name: "effective_caller_id_number", Value: group.CallerIDNumber})
	}

	members := e.eligibleMembers(group, call, callTimeout, &plan)
	if len(members) == 0 {
		e.logger.Warn("ring group has no dialable members",
			"call_id", call.CallID,
			"ring_group", group.Name,
			"skipped", len(plan.Skipped),
		)
	} else {
		bridge := e.bridgeFor(group, call, members, callTimeout)
		plan.Actions = append(plan.Actions, bridge)
		for _, m := range members {
			plan.Dialed = append(plan.Dialed, m.Extension)
		}
		if group.Strategy == models.StrategyRandom {
			plan.Dialed = plan.Dialed[:0]
			for _, leg := range bridge.Legs {
				plan.Dialed = append(plan.Dialed, extensionOf(leg.Endpoint))
			}
		}
	}

	e.appendTimeoutAction(group, call, &plan)
	return plan
}

func (e *Engine) eligibleMembers(group *models.RingGroup, call models.CallContext, callTimeout int, plan *Plan) []models.RingGroupMember {
	members := make([]models.RingGroupMember, 0, len(group.Members))
	for _, m := range group.Members {
		if !m.Enabled {
			continue
		}
		if m.RingDelay < 0 {
			m.RingDelay = 0
		}
		if m.RingDelay >= callTimeout {
			e.logger.Warn("ring group member delay exceeds call timeout",
				"ring_group", group.Name,
				"extension", m.Extension,
				"ring_delay", m.RingDelay,
				"call_timeout", callTimeout,
			)
			plan.Skipped = append(plan.Skipped, m.Extension)
			continue
		}
		if e.unregistered(m.Extension, call.Domain) {
			e.logger.Debug("skipping unregistered ring group member",
				"call_id", call.CallID,
				"ring_group", group.Name,
				"extension", m.Extension,
			)
			plan.Skipped = append(plan.Skipped, m.Extension)
			continue
		}
		members = append(members, m)
	}
	return members
}

func (e *Engine) unregistered(extension, domain string) bool {
	if e.status == nil {
		return false
	}
	st, ok := e.status.Get(extension, domain)
	return ok && st.State == registry.StateUnregistered
}

func (e *Engine) bridgeFor(group *models.RingGroup, call models.CallContext, members []models.RingGroupMember, callTimeout int) callcontrol.Bridge {
	switch group.Strategy {
	case models.StrategyHunt:
		sort.SliceStable(members, func(i, j int) bool { return members[i].Priority < members[j].Priority })
		legs := make([]callcontrol.Leg, 0, len(members))
		for _, m := range members {
			legs = append(legs, callcontrol.Leg{
				Endpoint: userEndpoint(m.Extension, call.Domain),
				Timeout:  memberTimeout(m, callTimeout),
			})
		}
		return callcontrol.Bridge{Mode: callcontrol.DialSequential, Legs: legs}

	case models.StrategySimultaneous:
		legs := make([]callcontrol.Leg, 0, len(members))
		for _, m := range members {
			legs = append(legs, callcontrol.Leg{
				Endpoint: userEndpoint(m.Extension, call.Domain),
				Timeout:  memberTimeout(m, callTimeout),
			})
		}
		return callcontrol.Bridge{Mode: callcontrol.DialParallel, Legs: legs, Timeout: callTimeout}

	case models.StrategyRingAll, models.StrategyRandom:
	default:
		e.logger.Warn("unknown ring group strategy, using ring all",
			"ring_group", group.Name,
			"strategy", group.Strategy,
		)
	}

	legs := make([]callcontrol.Leg, 0, len(members))
	for _, m := range members {
		legs = append(legs, callcontrol.Leg{
			Endpoint: userEndpoint(m.Extension, call.Domain),
			Delay:    m.RingDelay,
			Timeout:  memberTimeout(m, callTimeout),
		})
	}
	if group.Strategy == models.StrategyRandom {
		e.shuffle(legs)
	}
	return callcontrol.Bridge{Mode: callcontrol.DialParallel, Legs: legs, Timeout: callTimeout}
}

func (e *Engine) appendTimeoutAction(group *models.RingGroup, call models.CallContext, plan *Plan) {
	action := group.TimeoutAction
	if action == "" {
		action = models.TimeoutVoicemail
	}

	switch action {
	case models.TimeoutVoicemail:
		if group.VoicemailExtension != "" {
			plan.Actions = append(plan.Actions, callcontrol.Voicemail{
				Domain:  domainOrVar(call.Domain),
				Mailbox: group.VoicemailExtension,
			})
			return
		}
	case models.TimeoutForward:
		if !group.TimeoutDestination.IsZero() {
			dest := *group.TimeoutDestination
			plan.Forward = &dest
			return
		}
	case models.TimeoutHangup:
	default:
		e.logger.Warn("unknown ring group timeout action",
			"ring_group", group.Name,
			"action", action,
		)
	}
	plan.Actions = append(plan.Actions, callcontrol.Hangup{Cause: callcontrol.CauseNoAnswer})
}

func memberTimeout(m models.RingGroupMember, callTimeout int) int {
	t := m.RingTimeout
	if t <= 0 {
		t = defaultMemberTimeout
	}
	if t > callTimeout {
		t = callTimeout
	}
	return t
}

func userEndpoint(extension, domain string) string {
	return "user/" + extension + "@" + domainOrVar(domain)
}

func domainOrVar(domain string) string {
	if domain == "" {
		return "${domain_name}"
	}
	return domain
}

func extensionOf(endpoint string) string {
	s := endpoint[len("user/"):]
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			return s[:i]
		}
	}
	return s
}
