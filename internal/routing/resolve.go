package routing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"voip-router/internal/callcontrol"
	"voip-router/internal/models"
	"voip-router/internal/store"
)

// resolution is the action list a destination expands to.
type resolution struct {
	actions   []callcontrol.Action
	variables []callcontrol.Variable
}

// chain limits how far fallbacks may go from the current destination.
type chain struct {
	allowFailover bool
	allowForward  bool
}

var primary = chain{allowFailover: true, allowForward: true}

// errFailoverSpent marks a resolution that already went through a failover.
var errFailoverSpent = errors.New("failover already used")

// resolveWithFailover tries dest and, when it cannot be resolved, failover
// exactly once. The failover target gets no failover of its own.
func (r *Router) resolveWithFailover(ctx context.Context, tenant *models.Tenant, dest models.Destination, failover *models.Destination, call models.CallContext) (resolution, error) {
	res, err := r.resolve(ctx, tenant, dest, call, primary)
	if err == nil || !errors.Is(err, ErrUnresolvedDestination) || failover.IsZero() {
		return res, err
	}
	if errors.Is(err, errFailoverSpent) {
		r.logger.Info("destination failover already used, not trying rule failover",
			"call_id", call.CallID,
			"destination_type", dest.Type,
			"destination_id", dest.ID,
			"error", err,
		)
		return res, err
	}

	r.logger.Info("destination unresolved, trying failover",
		"call_id", call.CallID,
		"destination_type", dest.Type,
		"destination_id", dest.ID,
		"failover_type", failover.Type,
		"failover_id", failover.ID,
		"error", err,
	)
	return r.resolve(ctx, tenant, *failover, call, chain{allowForward: true})
}

func (r *Router) resolve(ctx context.Context, tenant *models.Tenant, dest models.Destination, call models.CallContext, c chain) (resolution, error) {
	var (
		res resolution
		err error
	)
	switch dest.Type {
	case models.DestinationExtension:
		res, err = r.resolveExtension(ctx, tenant, dest, call)
	case models.DestinationRingGroup:
		res, err = r.resolveRingGroup(ctx, tenant, dest, call, c)
	case models.DestinationQueue:
		res, err = r.resolveQueue(ctx, tenant, dest, call)
	case models.DestinationIVR:
		res, err = r.resolveIVR(ctx, tenant, dest)
	case models.DestinationConference:
		res, err = r.resolveConference(ctx, tenant, dest)
	case models.DestinationVoicemail:
		res, err = r.resolveVoicemail(ctx, tenant, dest, call)
	default:
		return resolution{}, fmt.Errorf("%w: unknown destination type %q", ErrUnresolvedDestination, dest.Type)
	}
	if err != nil {
		return resolution{}, err
	}

	if file := dest.Params["announce"]; file != "" {
		res.actions = append([]callcontrol.Action{callcontrol.Play{File: file}}, res.actions...)
	}
	return res, nil
}

// lookupErr maps a store failure on a referenced entity. Deadline errors are
// returned as is so the lookup can abort.
func lookupErr(ctx context.Context, what, id string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s %s not found", ErrUnresolvedDestination, what, id)
	}
	return fmt.Errorf("%w: %s %s: %v", ErrUnresolvedDestination, what, id, err)
}

func disabled(what, id string) error {
	return fmt.Errorf("%w: %s %s disabled", ErrUnresolvedDestination, what, id)
}

func (r *Router) resolveExtension(ctx context.Context, tenant *models.Tenant, dest models.Destination, call models.CallContext) (resolution, error) {
	ext, err := fetch(ctx, r, "extension", func(ctx context.Context) (*models.Extension, error) {
		return r.store.Extension(ctx, tenant.ID, dest.ID)
	})
	if err != nil {
		return resolution{}, lookupErr(ctx, "extension", dest.ID, err)
	}
	if !ext.Enabled {
		return resolution{}, disabled("extension", dest.ID)
	}

	timeout, _ := strconv.Atoi(dest.Params["timeout"])
	if timeout < 0 {
		timeout = 0
	}
	res := resolution{
		variables: []callcontrol.Variable{
			{Name: "continue_on_fail", Value: "true"},
			{Name: "hangup_after_bridge", Value: "true"},
		},
		actions: []callcontrol.Action{
			callcontrol.Bridge{
				Mode:    callcontrol.DialSingle,
				Legs:    []callcontrol.Leg{{Endpoint: "user/" + ext.Number + "@" + domainOf(tenant, call)}},
				Timeout: timeout,
			},
		},
	}
	if ext.VoicemailEnabled {
		res.actions = append(res.actions, callcontrol.Voicemail{Domain: domainOf(tenant, call), Mailbox: ext.Number})
	}
	return res, nil
}

func (r *Router) resolveRingGroup(ctx context.Context, tenant *models.Tenant, dest models.Destination, call models.CallContext, c chain) (resolution, error) {
	group, err := fetch(ctx, r, "ring_group", func(ctx context.Context) (*models.RingGroup, error) {
		return r.store.RingGroup(ctx, tenant.ID, dest.ID)
	})
	if err != nil {
		return resolution{}, lookupErr(ctx, "ring group", dest.ID, err)
	}
	if !group.Enabled {
		if c.allowFailover && !group.Failover.IsZero() {
			r.logger.Info("ring group disabled, using its failover",
				"call_id", call.CallID,
				"ring_group", group.Name,
				"failover_type", group.Failover.Type,
			)
			res, err := r.resolve(ctx, tenant, *group.Failover, call, chain{})
			if err != nil && ctx.Err() == nil {
				return resolution{}, fmt.Errorf("ring group %s: %w: %w", dest.ID, errFailoverSpent, err)
			}
			return res, err
		}
		return resolution{}, disabled("ring group", dest.ID)
	}

	call.Domain = domainOf(tenant, call)
	plan := r.ringGroups.BuildDialPlan(group, call)
	r.logger.Debug("ring group dial plan",
		"call_id", call.CallID,
		"ring_group", group.Name,
		"strategy", group.Strategy,
		"dialed", plan.Dialed,
		"skipped", plan.Skipped,
	)
	res := resolution{actions: plan.Actions, variables: plan.Variables}
	if plan.Forward == nil {
		return res, nil
	}

	if !c.allowForward {
		r.logger.Warn("ring group forward not followed from a fallback destination",
			"call_id", call.CallID,
			"ring_group", group.Name,
		)
		res.actions = append(res.actions, callcontrol.Hangup{Cause: callcontrol.CauseNoAnswer})
		return res, nil
	}

	fwd, err := r.resolve(ctx, tenant, *plan.Forward, call, chain{})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return resolution{}, ctxErr
		}
		r.logger.Warn("ring group timeout destination unresolved",
			"call_id", call.CallID,
			"ring_group", group.Name,
			"error", err,
		)
		res.actions = append(res.actions, callcontrol.Hangup{Cause: callcontrol.CauseNoAnswer})
		return res, nil
	}
	res.actions = append(res.actions, fwd.actions...)
	res.variables = append(res.variables, fwd.variables...)
	return res, nil
}

func (r *Router) resolveQueue(ctx context.Context, tenant *models.Tenant, dest models.Destination, call models.CallContext) (resolution, error) {
	q, err := fetch(ctx, r, "queue", func(ctx context.Context) (*models.Queue, error) {
		return r.store.Queue(ctx, tenant.ID, dest.ID)
	})
	if err != nil {
		return resolution{}, lookupErr(ctx, "queue", dest.ID, err)
	}
	if !q.Enabled {
		return resolution{}, disabled("queue", dest.ID)
	}
	return resolution{
		actions:   []callcontrol.Action{callcontrol.Enqueue{Queue: q.Name + "@" + domainOf(tenant, call)}},
		variables: []callcontrol.Variable{{Name: "queue_id", Value: q.ID}},
	}, nil
}

func (r *Router) resolveIVR(ctx context.Context, tenant *models.Tenant, dest models.Destination) (resolution, error) {
	m, err := fetch(ctx, r, "ivr", func(ctx context.Context) (*models.IVRMenu, error) {
		return r.store.IVRMenu(ctx, tenant.ID, dest.ID)
	})
	if err != nil {
		return resolution{}, lookupErr(ctx, "ivr menu", dest.ID, err)
	}
	if !m.Enabled {
		return resolution{}, disabled("ivr menu", dest.ID)
	}
	return resolution{actions: []callcontrol.Action{callcontrol.Menu{Menu: m.Name}}}, nil
}

func (r *Router) resolveConference(ctx context.Context, tenant *models.Tenant, dest models.Destination) (resolution, error) {
	room, err := fetch(ctx, r, "conference", func(ctx context.Context) (*models.ConferenceRoom, error) {
		return r.store.ConferenceRoom(ctx, tenant.ID, dest.ID)
	})
	if err != nil {
		return resolution{}, lookupErr(ctx, "conference room", dest.ID, err)
	}
	if !room.Enabled {
		return resolution{}, disabled("conference room", dest.ID)
	}
	return resolution{actions: []callcontrol.Action{
		callcontrol.Conference{Room: room.Room, Profile: room.Profile, PIN: room.PIN},
	}}, nil
}

func (r *Router) resolveVoicemail(ctx context.Context, tenant *models.Tenant, dest models.Destination, call models.CallContext) (resolution, error) {
	box, err := fetch(ctx, r, "voicemail", func(ctx context.Context) (*models.VoicemailBox, error) {
		return r.store.VoicemailBox(ctx, tenant.ID, dest.ID)
	})
	if err != nil {
		return resolution{}, lookupErr(ctx, "voicemail box", dest.ID, err)
	}
	if !box.Enabled {
		return resolution{}, disabled("voicemail box", dest.ID)
	}
	return resolution{actions: []callcontrol.Action{
		callcontrol.Voicemail{Domain: domainOf(tenant, call), Mailbox: box.MailboxID},
	}}, nil
}

func domainOf(tenant *models.Tenant, call models.CallContext) string {
	if tenant != nil && tenant.SIPDomain != "" {
		return tenant.SIPDomain
	}
	return call.Domain
}
