package routing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"voip-router/internal/callcontrol"
	"voip-router/internal/models"
)

func (r *Router) matchOutbound(ctx context.Context, tenant *models.Tenant, call models.CallContext) (*callcontrol.Document, error) {
	rules, err := fetch(ctx, r, "outbound_rules", func(ctx context.Context) ([]models.OutboundRule, error) {
		return r.store.OutboundRules(ctx, tenant.ID)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: load outbound rules: %v", ErrNoMatchingRule, err)
	}
	sortByPriority(rules, func(rule models.OutboundRule) (int, time.Time) {
		return rule.Priority, rule.CreatedAt
	})

	var scan scanResult
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !rule.Enabled {
			continue
		}

		re, err := regexp.Compile(anchorPattern(rule.DialPattern))
		if err != nil {
			r.logger.Warn("skipping outbound rule with invalid dial pattern",
				"tenant", tenant.Slug,
				"rule", rule.Name,
				"pattern", rule.DialPattern,
				"error", err,
			)
			continue
		}
		if !re.MatchString(call.Destination) {
			continue
		}

		doc, ok, err := r.outboundRule(ctx, tenant, rule, call)
		switch {
		case err == nil && ok:
			return doc, nil
		case err == nil:
			continue
		case errors.Is(err, ErrUnresolvedDestination):
			r.logger.Warn("outbound rule unresolved",
				"call_id", call.CallID,
				"tenant", tenant.Slug,
				"rule", rule.Name,
				"error", err,
			)
			scan.unresolved = true
			continue
		default:
			return nil, err
		}
	}
	return nil, scan.err(models.DirectionOutbound)
}

// outboundRule builds the document for a matched rule. ok=false means the
// time condition sent the scan to the next rule.
func (r *Router) outboundRule(ctx context.Context, tenant *models.Tenant, rule models.OutboundRule, call models.CallContext) (*callcontrol.Document, bool, error) {
	var dest *models.Destination
	if rule.TimeConditionID != "" {
		cond, matched, err := r.evaluateCondition(ctx, tenant, rule.TimeConditionID, call)
		if err != nil {
			return nil, false, err
		}
		switch {
		case cond == nil:
			return nil, false, nil
		case !cond.Enabled:
		case matched:
			if !cond.Match.IsZero() {
				dest = cond.Match
			}
		case !cond.NoMatch.IsZero():
			dest = cond.NoMatch
		default:
			return nil, false, nil
		}
	}

	doc := &callcontrol.Document{
		CallID:     call.CallID,
		Context:    contextFor(call),
		Direction:  models.DirectionOutbound,
		Route:      routeName(models.DirectionOutbound, rule.Name),
		Field:      "destination_number",
		Expression: anchorPattern(rule.DialPattern),
		Variables: []callcontrol.Variable{
			{Name: "tenant_id", Value: tenant.ID},
			{Name: "routing_rule_id", Value: rule.ID},
		},
	}
	if rule.RecordCalls {
		doc.Actions = append(doc.Actions, callcontrol.Record{Path: r.recordingPath})
	}

	if dest != nil {
		res, err := r.resolve(ctx, tenant, *dest, call, primary)
		if err != nil {
			return nil, false, err
		}
		doc.Variables = append(doc.Variables, res.variables...)
		doc.Actions = append(doc.Actions, res.actions...)
		return doc, true, nil
	}

	trunks, err := r.orderedTrunks(ctx, tenant, rule, call)
	if err != nil {
		return nil, false, err
	}

	number := transformNumber(call.Destination, rule.StripDigits, rule.Prefix)
	legs := make([]callcontrol.Leg, 0, len(trunks))
	for _, t := range trunks {
		legs = append(legs, callcontrol.Leg{Endpoint: "sofia/gateway/" + t.Gateway + "/" + number})
	}
	mode := callcontrol.DialSingle
	if len(legs) > 1 {
		mode = callcontrol.DialSequential
	}

	switch {
	case rule.CallerIDNumber != "":
		doc.Variables = append(doc.Variables, callcontrol.Variable{Name: "effective_caller_id_number", Value: rule.CallerIDNumber})
	case rule.CallerIDPrefix != "":
		doc.Variables = append(doc.Variables, callcontrol.Variable{Name: "effective_caller_id_number", Value: rule.CallerIDPrefix + call.CallerID})
	}
	doc.Variables = append(doc.Variables,
		callcontrol.Variable{Name: "continue_on_fail", Value: "true"},
		callcontrol.Variable{Name: "hangup_after_bridge", Value: "true"},
	)
	doc.Actions = append(doc.Actions, callcontrol.Bridge{Mode: mode, Legs: legs})
	return doc, true, nil
}

// orderedTrunks returns the rule's trunks in dial order: declared order, or
// ascending cost with least-cost routing, then the failover trunk. Trunks on
// a gateway known to be down are dropped unless that would drop all of them.
func (r *Router) orderedTrunks(ctx context.Context, tenant *models.Tenant, rule models.OutboundRule, call models.CallContext) ([]models.Trunk, error) {
	ids := make([]string, 0, len(rule.TrunkPriority)+1)
	seen := make(map[string]bool, len(rule.TrunkPriority)+1)
	for _, id := range rule.TrunkPriority {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	failover := rule.FailoverTrunkID
	if failover != "" && seen[failover] {
		failover = ""
	}
	query := ids
	if failover != "" {
		query = append(append([]string(nil), ids...), failover)
	}
	if len(query) == 0 {
		return nil, fmt.Errorf("%w: rule %s has no trunks", ErrUnresolvedDestination, rule.Name)
	}

	rows, err := fetch(ctx, r, "trunks", func(ctx context.Context) ([]models.Trunk, error) {
		return r.store.Trunks(ctx, tenant.ID, query)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: load trunks: %v", ErrUnresolvedDestination, err)
	}
	byID := make(map[string]models.Trunk, len(rows))
	for _, t := range rows {
		if t.Enabled {
			byID[t.ID] = t
		}
	}

	ordered := make([]models.Trunk, 0, len(query))
	for _, id := range ids {
		if t, ok := byID[id]; ok {
			ordered = append(ordered, t)
		}
	}
	if rule.LeastCostRouting {
		sort.SliceStable(ordered, func(i, j int) bool {
			return ordered[i].CostPerMinute < ordered[j].CostPerMinute
		})
	}
	if t, ok := byID[failover]; ok {
		ordered = append(ordered, t)
	}
	if len(ordered) == 0 {
		return nil, fmt.Errorf("%w: rule %s has no enabled trunks", ErrUnresolvedDestination, rule.Name)
	}

	usable := ordered[:0:0]
	for _, t := range ordered {
		if r.gatewayDown(t.Gateway) {
			r.logger.Info("skipping trunk with gateway down",
				"call_id", call.CallID,
				"trunk", t.Name,
				"gateway", t.Gateway,
			)
			continue
		}
		usable = append(usable, t)
	}
	if len(usable) == 0 {
		r.logger.Warn("all trunk gateways reported down, dialing anyway",
			"call_id", call.CallID,
			"rule", rule.Name,
		)
		return ordered, nil
	}
	return usable, nil
}

func (r *Router) gatewayDown(name string) bool {
	if r.gateways == nil {
		return false
	}
	g, ok := r.gateways.Gateway(name)
	return ok && g.Down()
}

// anchorPattern makes a dial pattern match the whole number. Patterns that
// carry their own ^ or $ are used as written.
func anchorPattern(p string) string {
	if strings.HasPrefix(p, "^") || strings.HasSuffix(p, "$") {
		return p
	}
	return "^(?:" + p + ")$"
}

// transformNumber strips leading digits then prepends prefix.
func transformNumber(number string, strip int, prefix string) string {
	if strip > 0 {
		if strip >= len(number) {
			number = ""
		} else {
			number = number[strip:]
		}
	}
	return prefix + number
}
