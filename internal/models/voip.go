package models

import "time"

type Tenant struct {
	ID        string `db:"id"`
	Slug      string `db:"slug"`
	SIPDomain string `db:"sip_domain"`
	Enabled   bool   `db:"enabled"`
}

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// DestinationType is the closed set of things an inbound call can be routed to.
type DestinationType string

const (
	DestinationExtension  DestinationType = "extension"
	DestinationRingGroup  DestinationType = "ring_group"
	DestinationQueue      DestinationType = "queue"
	DestinationIVR        DestinationType = "ivr"
	DestinationConference DestinationType = "conference"
	DestinationVoicemail  DestinationType = "voicemail"
)

func (t DestinationType) Valid() bool {
	switch t {
	case DestinationExtension, DestinationRingGroup, DestinationQueue,
		DestinationIVR, DestinationConference, DestinationVoicemail:
		return true
	}
	return false
}

// Destination references a routable entity plus free-form parameters
// stored next to it (destination_data).
type Destination struct {
	Type   DestinationType   `db:"destination_type" json:"type"`
	ID     string            `db:"destination_id" json:"id"`
	Params map[string]string `db:"destination_data" json:"params,omitempty"`
}

func (d *Destination) IsZero() bool {
	return d == nil || d.Type == ""
}

type MatchKind string

const (
	MatchExact MatchKind = "exact"
	MatchRegex MatchKind = "regex"
)

type InboundRule struct {
	ID                   string       `db:"id"`
	TenantID             string       `db:"tenant_id"`
	Name                 string       `db:"name"`
	DIDNumber            string       `db:"did_number"`
	CallerIDPattern      string       `db:"caller_id_pattern"`
	CallerIDMatch        MatchKind    `db:"caller_id_match"`
	Destination          Destination  `db:"-"`
	Failover             *Destination `db:"-"`
	TimeConditionID      string       `db:"time_condition_id"`
	Priority             int          `db:"priority"`
	Enabled              bool         `db:"enabled"`
	CallerIDNameOverride string       `db:"caller_id_name_override"`
	CallerIDNumOverride  string       `db:"caller_id_number_override"`
	RecordCalls          bool         `db:"record_calls"`
	CreatedAt            time.Time    `db:"created_at"`
}

type OutboundRule struct {
	ID               string    `db:"id"`
	TenantID         string    `db:"tenant_id"`
	Name             string    `db:"name"`
	DialPattern      string    `db:"dial_pattern"`
	StripDigits      int       `db:"strip_digits"`
	Prefix           string    `db:"prefix"`
	CallerIDNumber   string    `db:"caller_id_number"`
	CallerIDPrefix   string    `db:"caller_id_prefix"`
	TrunkPriority    []string  `db:"trunk_priority"`
	FailoverTrunkID  string    `db:"failover_trunk_id"`
	LeastCostRouting bool      `db:"least_cost_routing"`
	TimeConditionID  string    `db:"time_condition_id"`
	Priority         int       `db:"priority"`
	Enabled          bool      `db:"enabled"`
	RecordCalls      bool      `db:"record_calls"`
	CreatedAt        time.Time `db:"created_at"`
}

type Trunk struct {
	ID            string  `db:"id"`
	TenantID      string  `db:"tenant_id"`
	Name          string  `db:"name"`
	Gateway       string  `db:"gateway_name"`
	CostPerMinute float64 `db:"cost_per_minute"`
	Enabled       bool    `db:"enabled"`
}

type Extension struct {
	ID               string `db:"id"`
	TenantID         string `db:"tenant_id"`
	Number           string `db:"extension"`
	DisplayName      string `db:"display_name"`
	VoicemailEnabled bool   `db:"voicemail_enabled"`
	Enabled          bool   `db:"enabled"`
}

type Queue struct {
	ID      string `db:"id"`
	Name    string `db:"name"`
	Enabled bool   `db:"enabled"`
}

type IVRMenu struct {
	ID      string `db:"id"`
	Name    string `db:"name"`
	Enabled bool   `db:"enabled"`
}

type ConferenceRoom struct {
	ID      string `db:"id"`
	Room    string `db:"room_number"`
	Profile string `db:"profile"`
	PIN     string `db:"pin"`
	Enabled bool   `db:"enabled"`
}

type VoicemailBox struct {
	ID        string `db:"id"`
	MailboxID string `db:"mailbox_id"`
	Enabled   bool   `db:"enabled"`
}

type RingStrategy string

const (
	StrategyRingAll      RingStrategy = "ringall"
	StrategyHunt         RingStrategy = "hunt"
	StrategyRandom       RingStrategy = "random"
	StrategySimultaneous RingStrategy = "simultaneous"
)

type TimeoutAction string

const (
	TimeoutVoicemail TimeoutAction = "voicemail"
	TimeoutHangup    TimeoutAction = "hangup"
	TimeoutForward   TimeoutAction = "forward"
)

type RingGroup struct {
	ID                 string            `db:"id"`
	TenantID           string            `db:"tenant_id"`
	Name               string            `db:"name"`
	Extension          string            `db:"extension"`
	Strategy           RingStrategy      `db:"strategy"`
	Members            []RingGroupMember `db:"-"`
	CallTimeout        int               `db:"call_timeout"`
	TimeoutAction      TimeoutAction     `db:"call_timeout_action"`
	TimeoutDestination *Destination      `db:"-"`
	VoicemailExtension string            `db:"voicemail_extension"`
	Failover           *Destination      `db:"-"`
	CallerIDName       string            `db:"caller_id_name"`
	CallerIDNumber     string            `db:"caller_id_number"`
	Enabled            bool              `db:"enabled"`
}

type RingGroupMember struct {
	ExtensionID string `db:"extension_id"`
	Extension   string `db:"extension"`
	Priority    int    `db:"priority"`
	RingDelay   int    `db:"ring_delay"`
	RingTimeout int    `db:"ring_timeout"`
	Enabled     bool   `db:"enabled"`
}

type HolidayKind string

const (
	HolidayClosed     HolidayKind = "holiday"
	HolidaySpecialDay HolidayKind = "special_day"
)

// HolidayPolicy decides what a holiday does to the weekly schedule on its date.
type HolidayPolicy string

const (
	PolicyClosed HolidayPolicy = "closed" // force no-match
	PolicyOpen   HolidayPolicy = "open"   // force match
	PolicyWeekly HolidayPolicy = "weekly" // evaluate weekly windows as usual
)

type Holiday struct {
	Date   string        `json:"date"`
	Name   string        `json:"name"`
	Kind   HolidayKind   `json:"type"`
	Policy HolidayPolicy `json:"policy,omitempty"`
}

// EffectivePolicy applies the per-kind default when no explicit policy is set.
func (h Holiday) EffectivePolicy() HolidayPolicy {
	if h.Policy != "" {
		return h.Policy
	}
	if h.Kind == HolidaySpecialDay {
		return PolicyWeekly
	}
	return PolicyClosed
}

// TimeWindow days use 0=Sunday..6=Saturday, times are "HH:MM" or "HH:MM:SS".
type TimeWindow struct {
	Days     []int  `json:"days"`
	Start    string `json:"start_time"`
	End      string `json:"end_time"`
	Timezone string `json:"timezone,omitempty"`
}

type TimeCondition struct {
	ID       string       `db:"id"`
	TenantID string       `db:"tenant_id"`
	Name     string       `db:"name"`
	Timezone string       `db:"timezone"`
	Windows  []TimeWindow `db:"time_groups"`
	Holidays []Holiday    `db:"holidays"`
	Match    *Destination `db:"-"`
	NoMatch  *Destination `db:"-"`
	Enabled  bool         `db:"enabled"`

	// ScheduleErr is set when the stored windows or holidays could not be
	// decoded. The branch destinations are still usable.
	ScheduleErr error `db:"-"`
}

// CallContext carries the switch lookup parameters for one call.
type CallContext struct {
	CallID      string
	Domain      string
	Direction   Direction
	CallerID    string
	CallerName  string
	Destination string
	Context     string
	At          time.Time
}
