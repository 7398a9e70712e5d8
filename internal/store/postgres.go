package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"voip-router/internal/models"
)

// querier is the subset of a pgx pool used by Postgres.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Postgres struct {
	db querier
}

func NewPostgres(db querier) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) TenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	var t models.Tenant
	err := p.db.QueryRow(ctx, `
        SELECT id::text, slug, sip_domain, enabled
        FROM voip.tenants
        WHERE sip_domain = $1
        LIMIT 1
    `, domain).Scan(&t.ID, &t.Slug, &t.SIPDomain, &t.Enabled)
	if err != nil {
		return nil, rowErr(err, "tenant")
	}
	return &t, nil
}

func (p *Postgres) InboundRules(ctx context.Context, tenantID string) ([]models.InboundRule, error) {
	rows, err := p.db.Query(ctx, `
        SELECT id::text, tenant_id::text, name, did_number,
               COALESCE(caller_id_pattern, ''), COALESCE(caller_id_match, 'exact'),
               destination_type, destination_id::text, COALESCE(destination_data, '{}'::jsonb),
               COALESCE(failover_type, ''), COALESCE(failover_id::text, ''), COALESCE(failover_data, '{}'::jsonb),
               COALESCE(time_condition_id::text, ''), priority, enabled,
               COALESCE(caller_id_name_override, ''), COALESCE(caller_id_number_override, ''),
               record_calls, created_at
        FROM voip.inbound_routes
        WHERE tenant_id = $1
          AND enabled = TRUE
        ORDER BY priority, created_at
    `, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query inbound routes: %w", err)
	}
	defer rows.Close()

	var out []models.InboundRule
	for rows.Next() {
		var (
			r                  models.InboundRule
			match, destType    string
			destData, failData []byte
			failType, failID   string
		)
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.Name, &r.DIDNumber,
			&r.CallerIDPattern, &match,
			&destType, &r.Destination.ID, &destData,
			&failType, &failID, &failData,
			&r.TimeConditionID, &r.Priority, &r.Enabled,
			&r.CallerIDNameOverride, &r.CallerIDNumOverride,
			&r.RecordCalls, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan inbound route: %w", err)
		}
		r.CallerIDMatch = models.MatchKind(match)
		r.Destination.Type = models.DestinationType(destType)
		if r.Destination.Params, err = decodeParams(destData); err != nil {
			return nil, fmt.Errorf("inbound route %s: %w", r.ID, err)
		}
		if r.Failover, err = optionalDestination(failType, failID, failData); err != nil {
			return nil, fmt.Errorf("inbound route %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbound routes: %w", err)
	}
	return out, nil
}

func (p *Postgres) OutboundRules(ctx context.Context, tenantID string) ([]models.OutboundRule, error) {
	rows, err := p.db.Query(ctx, `
        SELECT id::text, tenant_id::text, name, dial_pattern, strip_digits, COALESCE(prefix, ''),
               COALESCE(caller_id_number, ''), COALESCE(caller_id_prefix, ''),
               COALESCE(trunk_priority, '{}'::text[]), COALESCE(failover_trunk_id::text, ''),
               least_cost_routing, COALESCE(time_condition_id::text, ''),
               priority, enabled, record_calls, created_at
        FROM voip.outbound_routes
        WHERE tenant_id = $1
          AND enabled = TRUE
        ORDER BY priority, created_at
    `, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query outbound routes: %w", err)
	}
	defer rows.Close()

	var out []models.OutboundRule
	for rows.Next() {
		var r models.OutboundRule
		if err := rows.Scan(
			&r.ID, &r.TenantID, &r.Name, &r.DialPattern, &r.StripDigits, &r.Prefix,
			&r.CallerIDNumber, &r.CallerIDPrefix,
			&r.TrunkPriority, &r.FailoverTrunkID,
			&r.LeastCostRouting, &r.TimeConditionID,
			&r.Priority, &r.Enabled, &r.RecordCalls, &r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbound route: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbound routes: %w", err)
	}
	return out, nil
}

func (p *Postgres) TimeCondition(ctx context.Context, tenantID, id string) (*models.TimeCondition, error) {
	var (
		tc                 models.TimeCondition
		windows, holidays  []byte
		matchType, matchID string
		matchData          []byte
		noType, noID       string
		noData             []byte
	)
	err := p.db.QueryRow(ctx, `
        SELECT id::text, tenant_id::text, name, COALESCE(timezone, 'UTC'),
               COALESCE(time_groups, '[]'::jsonb), COALESCE(holidays, '[]'::jsonb),
               COALESCE(match_destination_type, ''), COALESCE(match_destination_id::text, ''),
               COALESCE(match_destination_data, '{}'::jsonb),
               COALESCE(nomatch_destination_type, ''), COALESCE(nomatch_destination_id::text, ''),
               COALESCE(nomatch_destination_data, '{}'::jsonb),
               enabled
        FROM voip.time_conditions
        WHERE id = $1
          AND tenant_id = $2
    `, id, tenantID).Scan(
		&tc.ID, &tc.TenantID, &tc.Name, &tc.Timezone,
		&windows, &holidays,
		&matchType, &matchID, &matchData,
		&noType, &noID, &noData,
		&tc.Enabled,
	)
	if err != nil {
		return nil, rowErr(err, "time condition")
	}

	if tc.Match, err = optionalDestination(matchType, matchID, matchData); err != nil {
		return nil, fmt.Errorf("time condition %s: %w", id, err)
	}
	if tc.NoMatch, err = optionalDestination(noType, noID, noData); err != nil {
		return nil, fmt.Errorf("time condition %s: %w", id, err)
	}

	// A broken schedule still returns the condition so lookups can take
	// the no-match branch.
	if err := json.Unmarshal(windows, &tc.Windows); err != nil {
		tc.Windows = nil
		tc.ScheduleErr = fmt.Errorf("decode time_groups: %w", err)
	} else if err := json.Unmarshal(holidays, &tc.Holidays); err != nil {
		tc.Windows, tc.Holidays = nil, nil
		tc.ScheduleErr = fmt.Errorf("decode holidays: %w", err)
	}
	return &tc, nil
}

func (p *Postgres) Extension(ctx context.Context, tenantID, id string) (*models.Extension, error) {
	var e models.Extension
	err := p.db.QueryRow(ctx, `
        SELECT id::text, tenant_id::text, extension, COALESCE(display_name, ''),
               voicemail_enabled, enabled
        FROM voip.extensions
        WHERE id = $1
          AND tenant_id = $2
    `, id, tenantID).Scan(&e.ID, &e.TenantID, &e.Number, &e.DisplayName, &e.VoicemailEnabled, &e.Enabled)
	if err != nil {
		return nil, rowErr(err, "extension")
	}
	return &e, nil
}

func (p *Postgres) RingGroup(ctx context.Context, tenantID, id string) (*models.RingGroup, error) {
	var (
		g                models.RingGroup
		strategy, action string
		toType, toID     string
		toData           []byte
		failType, failID string
		failData         []byte
	)
	err := p.db.QueryRow(ctx, `
        SELECT id::text, tenant_id::text, name, COALESCE(extension, ''), strategy,
               call_timeout, COALESCE(call_timeout_action, 'voicemail'),
               COALESCE(call_timeout_destination_type, ''), COALESCE(call_timeout_destination_id::text, ''),
               COALESCE(call_timeout_destination_data, '{}'::jsonb),
               COALESCE(voicemail_extension, ''),
               COALESCE(failover_type, ''), COALESCE(failover_id::text, ''), COALESCE(failover_data, '{}'::jsonb),
               COALESCE(caller_id_name, ''), COALESCE(caller_id_number, ''), enabled
        FROM voip.ring_groups
        WHERE id = $1
          AND tenant_id = $2
    `, id, tenantID).Scan(
		&g.ID, &g.TenantID, &g.Name, &g.Extension, &strategy,
		&g.CallTimeout, &action,
		&toType, &toID, &toData,
		&g.VoicemailExtension,
		&failType, &failID, &failData,
		&g.CallerIDName, &g.CallerIDNumber, &g.Enabled,
	)
	if err != nil {
		return nil, rowErr(err, "ring group")
	}
	g.Strategy = models.RingStrategy(strategy)
	g.TimeoutAction = models.TimeoutAction(action)
	if g.TimeoutDestination, err = optionalDestination(toType, toID, toData); err != nil {
		return nil, fmt.Errorf("ring group %s: %w", id, err)
	}
	if g.Failover, err = optionalDestination(failType, failID, failData); err != nil {
		return nil, fmt.Errorf("ring group %s: %w", id, err)
	}

	rows, err := p.db.Query(ctx, `
        SELECT m.extension_id::text, e.extension, m.priority, m.ring_delay, m.ring_timeout,
               m.enabled AND e.enabled
        FROM voip.ring_group_members m
        JOIN voip.extensions e ON e.id = m.extension_id
        WHERE m.ring_group_id = $1
        ORDER BY m.position, m.priority
    `, id)
	if err != nil {
		return nil, fmt.Errorf("query ring group members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m models.RingGroupMember
		if err := rows.Scan(&m.ExtensionID, &m.Extension, &m.Priority, &m.RingDelay, &m.RingTimeout, &m.Enabled); err != nil {
			return nil, fmt.Errorf("scan ring group member: %w", err)
		}
		g.Members = append(g.Members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ring group members: %w", err)
	}
	return &g, nil
}

func (p *Postgres) Queue(ctx context.Context, tenantID, id string) (*models.Queue, error) {
	var q models.Queue
	err := p.db.QueryRow(ctx, `
        SELECT id::text, name, enabled
        FROM voip.queues
        WHERE id = $1
          AND tenant_id = $2
    `, id, tenantID).Scan(&q.ID, &q.Name, &q.Enabled)
	if err != nil {
		return nil, rowErr(err, "queue")
	}
	return &q, nil
}

func (p *Postgres) IVRMenu(ctx context.Context, tenantID, id string) (*models.IVRMenu, error) {
	var m models.IVRMenu
	err := p.db.QueryRow(ctx, `
        SELECT id::text, name, enabled
        FROM voip.ivr_menus
        WHERE id = $1
          AND tenant_id = $2
    `, id, tenantID).Scan(&m.ID, &m.Name, &m.Enabled)
	if err != nil {
		return nil, rowErr(err, "ivr menu")
	}
	return &m, nil
}

func (p *Postgres) ConferenceRoom(ctx context.Context, tenantID, id string) (*models.ConferenceRoom, error) {
	var c models.ConferenceRoom
	err := p.db.QueryRow(ctx, `
        SELECT id::text, room_number, COALESCE(profile, 'default'), COALESCE(pin, ''), enabled
        FROM voip.conference_rooms
        WHERE id = $1
          AND tenant_id = $2
    `, id, tenantID).Scan(&c.ID, &c.Room, &c.Profile, &c.PIN, &c.Enabled)
	if err != nil {
		return nil, rowErr(err, "conference room")
	}
	return &c, nil
}

func (p *Postgres) VoicemailBox(ctx context.Context, tenantID, id string) (*models.VoicemailBox, error) {
	var v models.VoicemailBox
	err := p.db.QueryRow(ctx, `
        SELECT id::text, mailbox_id, enabled
        FROM voip.voicemail_boxes
        WHERE id = $1
          AND tenant_id = $2
    `, id, tenantID).Scan(&v.ID, &v.MailboxID, &v.Enabled)
	if err != nil {
		return nil, rowErr(err, "voicemail box")
	}
	return &v, nil
}

// Trunks returns the tenant's enabled trunks among ids, in no particular
// order. Ids owned by another tenant are not returned.
func (p *Postgres) Trunks(ctx context.Context, tenantID string, ids []string) ([]models.Trunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.db.Query(ctx, `
        SELECT id::text, tenant_id::text, name, gateway_name, COALESCE(cost_per_minute, 0), enabled
        FROM voip.trunks
        WHERE tenant_id = $1
          AND id::text = ANY($2)
          AND enabled = TRUE
    `, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("query trunks: %w", err)
	}
	defer rows.Close()

	var out []models.Trunk
	for rows.Next() {
		var t models.Trunk
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.Gateway, &t.CostPerMinute, &t.Enabled); err != nil {
			return nil, fmt.Errorf("scan trunk: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trunks: %w", err)
	}
	return out, nil
}

func rowErr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("query %s: %w", what, err)
}

func optionalDestination(kind, id string, data []byte) (*models.Destination, error) {
	if kind == "" {
		return nil, nil
	}
	params, err := decodeParams(data)
	if err != nil {
		return nil, err
	}
	return &models.Destination{Type: models.DestinationType(kind), ID: id, Params: params}, nil
}

// decodeParams flattens a destination_data object into strings.
func decodeParams(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode destination_data: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out, nil
}

var _ Store = (*Postgres)(nil)
