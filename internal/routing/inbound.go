package routing

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"voip-router/internal/callcontrol"
	"voip-router/internal/models"
	"voip-router/internal/timecond"
)

func (r *Router) matchInbound(ctx context.Context, tenant *models.Tenant, call models.CallContext) (*callcontrol.Document, error) {
	rules, err := fetch(ctx, r, "inbound_rules", func(ctx context.Context) ([]models.InboundRule, error) {
		return r.store.InboundRules(ctx, tenant.ID)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: load inbound rules: %v", ErrNoMatchingRule, err)
	}
	sortByPriority(rules, func(rule models.InboundRule) (int, time.Time) {
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

		ok, err := inboundMatches(rule, call)
		if err != nil {
			r.logger.Warn("skipping inbound rule with invalid caller id pattern",
				"tenant", tenant.Slug,
				"rule", rule.Name,
				"error", err,
			)
			continue
		}
		if !ok {
			continue
		}

		dest, ok, err := r.inboundDestination(ctx, tenant, rule, call)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		res, err := r.resolveWithFailover(ctx, tenant, dest, rule.Failover, call)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			r.logger.Warn("inbound rule destination unresolved",
				"call_id", call.CallID,
				"tenant", tenant.Slug,
				"rule", rule.Name,
				"error", err,
			)
			scan.unresolved = true
			continue
		}
		return r.inboundDocument(tenant, rule, call, res), nil
	}
	return nil, scan.err(models.DirectionInbound)
}

func inboundMatches(rule models.InboundRule, call models.CallContext) (bool, error) {
	if rule.DIDNumber != "" && rule.DIDNumber != call.Destination {
		return false, nil
	}
	if rule.CallerIDPattern == "" {
		return true, nil
	}
	if rule.CallerIDMatch == models.MatchRegex {
		re, err := regexp.Compile(rule.CallerIDPattern)
		if err != nil {
			return false, err
		}
		return re.MatchString(call.CallerID), nil
	}
	return rule.CallerIDPattern == call.CallerID, nil
}

// inboundDestination applies the rule's time condition. ok=false means the
// scan continues with the next rule.
func (r *Router) inboundDestination(ctx context.Context, tenant *models.Tenant, rule models.InboundRule, call models.CallContext) (models.Destination, bool, error) {
	if rule.TimeConditionID == "" {
		return rule.Destination, true, nil
	}

	cond, matched, err := r.evaluateCondition(ctx, tenant, rule.TimeConditionID, call)
	if err != nil {
		return models.Destination{}, false, err
	}
	switch {
	case cond == nil:
		return models.Destination{}, false, nil
	case !cond.Enabled:
		return rule.Destination, true, nil
	case matched && !cond.Match.IsZero():
		return *cond.Match, true, nil
	case matched:
		return rule.Destination, true, nil
	case !cond.NoMatch.IsZero():
		return *cond.NoMatch, true, nil
	default:
		return models.Destination{}, false, nil
	}
}

// evaluateCondition loads and evaluates a time condition. A condition that
// cannot be loaded comes back nil; malformed data evaluates as no match.
// Only context errors are returned.
func (r *Router) evaluateCondition(ctx context.Context, tenant *models.Tenant, id string, call models.CallContext) (*models.TimeCondition, bool, error) {
	cond, err := fetch(ctx, r, "time_condition", func(ctx context.Context) (*models.TimeCondition, error) {
		return r.store.TimeCondition(ctx, tenant.ID, id)
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, false, ctxErr
		}
		r.logger.Warn("time condition unavailable, treating as no match",
			"call_id", call.CallID,
			"time_condition_id", id,
			"error", err,
		)
		return nil, false, nil
	}
	if !cond.Enabled {
		return cond, false, nil
	}

	matched, err := timecond.Evaluate(cond, call.At)
	if err != nil {
		r.logger.Warn("malformed time condition, treating as no match",
			"call_id", call.CallID,
			"time_condition", cond.Name,
			"error", err,
		)
	}
	return cond, matched, nil
}

func (r *Router) inboundDocument(tenant *models.Tenant, rule models.InboundRule, call models.CallContext, res resolution) *callcontrol.Document {
	doc := &callcontrol.Document{
		CallID:     call.CallID,
		Context:    contextFor(call),
		Direction:  models.DirectionInbound,
		Route:      routeName(models.DirectionInbound, rule.Name),
		Field:      "destination_number",
		Expression: exactExpression(rule.DIDNumber),
		Variables: []callcontrol.Variable{
			{Name: "tenant_id", Value: tenant.ID},
			{Name: "routing_rule_id", Value: rule.ID},
		},
	}
	if rule.CallerIDNameOverride != "" {
		doc.Variables = append(doc.Variables, callcontrol.Variable{Name: "effective_caller_id_name", Value: rule.CallerIDNameOverride})
	}
	if rule.CallerIDNumOverride != "" {
		doc.Variables = append(doc.Variables, callcontrol.Variable{Name: "effective_caller_id_number", Value: rule.CallerIDNumOverride})
	}
	doc.Variables = append(doc.Variables, res.variables...)

	if rule.RecordCalls {
		doc.Actions = append(doc.Actions, callcontrol.Record{Path: r.recordingPath})
	}
	doc.Actions = append(doc.Actions, res.actions...)
	return doc
}

// exactExpression builds an anchored expression matching s literally.
func exactExpression(s string) string {
	if s == "" {
		return "^.*$"
	}
	return "^" + regexp.QuoteMeta(s) + "$"
}
