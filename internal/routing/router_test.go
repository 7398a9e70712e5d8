package routing

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"voip-router/internal/callcontrol"
	"voip-router/internal/fsxml"
	"voip-router/internal/models"
	"voip-router/internal/registry"
	"voip-router/internal/ringgroup"
	"voip-router/internal/store"
)

type fakeStore struct {
	mu sync.Mutex

	tenants    map[string]*models.Tenant
	inbound    []models.InboundRule
	outbound   []models.OutboundRule
	conditions map[string]*models.TimeCondition
	extensions map[string]*models.Extension
	groups     map[string]*models.RingGroup
	queues     map[string]*models.Queue
	menus      map[string]*models.IVRMenu
	rooms      map[string]*models.ConferenceRoom
	boxes      map[string]*models.VoicemailBox
	trunks     map[string]models.Trunk

	// failures makes the next n rule reads fail.
	failures int
	// block makes every read wait for the context.
	block     bool
	ruleReads int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tenants: map[string]*models.Tenant{
			"acme.example": {ID: "t-1", Slug: "acme", SIPDomain: "acme.example", Enabled: true},
		},
		conditions: map[string]*models.TimeCondition{},
		extensions: map[string]*models.Extension{},
		groups:     map[string]*models.RingGroup{},
		queues:     map[string]*models.Queue{},
		menus:      map[string]*models.IVRMenu{},
		rooms:      map[string]*models.ConferenceRoom{},
		boxes:      map[string]*models.VoicemailBox{},
		trunks:     map[string]models.Trunk{},
	}
}

func (f *fakeStore) wait(ctx context.Context) error {
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeStore) TenantByDomain(ctx context.Context, domain string) (*models.Tenant, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if t, ok := f.tenants[domain]; ok {
		return t, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) failRead() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ruleReads++
	if f.failures > 0 {
		f.failures--
		return errors.New("connection reset by peer")
	}
	return nil
}

func (f *fakeStore) InboundRules(ctx context.Context, tenantID string) ([]models.InboundRule, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if err := f.failRead(); err != nil {
		return nil, err
	}
	return append([]models.InboundRule(nil), f.inbound...), nil
}

func (f *fakeStore) OutboundRules(ctx context.Context, tenantID string) ([]models.OutboundRule, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if err := f.failRead(); err != nil {
		return nil, err
	}
	return append([]models.OutboundRule(nil), f.outbound...), nil
}

func lookup[T any](m map[string]*T, id string) (*T, error) {
	if v, ok := m[id]; ok {
		return v, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) TimeCondition(_ context.Context, _, id string) (*models.TimeCondition, error) {
	return lookup(f.conditions, id)
}

func (f *fakeStore) Extension(_ context.Context, _, id string) (*models.Extension, error) {
	return lookup(f.extensions, id)
}

func (f *fakeStore) RingGroup(_ context.Context, _, id string) (*models.RingGroup, error) {
	return lookup(f.groups, id)
}

func (f *fakeStore) Queue(_ context.Context, _, id string) (*models.Queue, error) {
	return lookup(f.queues, id)
}

func (f *fakeStore) IVRMenu(_ context.Context, _, id string) (*models.IVRMenu, error) {
	return lookup(f.menus, id)
}

func (f *fakeStore) ConferenceRoom(_ context.Context, _, id string) (*models.ConferenceRoom, error) {
	return lookup(f.rooms, id)
}

func (f *fakeStore) VoicemailBox(_ context.Context, _, id string) (*models.VoicemailBox, error) {
	return lookup(f.boxes, id)
}

func (f *fakeStore) Trunks(_ context.Context, tenantID string, ids []string) ([]models.Trunk, error) {
	var out []models.Trunk
	for _, id := range ids {
		if t, ok := f.trunks[id]; ok && t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	return out, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouter(st store.Store, opts ...func(*Options)) *Router {
	o := Options{
		Store:        st,
		Logger:       discardLogger(),
		RetryTimeout: 50 * time.Millisecond,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return New(o)
}

var created = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func inboundCall() models.CallContext {
	return models.CallContext{
		CallID:      "call-1",
		Domain:      "acme.example",
		Direction:   models.DirectionInbound,
		CallerID:    "+393331234567",
		Destination: "+390612345",
		Context:     "public",
		// Wednesday 10:00 UTC.
		At: time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC),
	}
}

func extDest(id string) models.Destination {
	return models.Destination{Type: models.DestinationExtension, ID: id}
}

func bridgeEndpoints(t *testing.T, doc *callcontrol.Document) []string {
	t.Helper()
	for _, a := range doc.Actions {
		if b, ok := a.(callcontrol.Bridge); ok {
			out := make([]string, 0, len(b.Legs))
			for _, l := range b.Legs {
				out = append(out, l.Endpoint)
			}
			return out
		}
	}
	t.Fatalf("document has no bridge: %+v", doc.Actions)
	return nil
}

func requireHangup(t *testing.T, doc *callcontrol.Document, cause string) {
	t.Helper()
	if !doc.Terminal() {
		t.Fatalf("expected terminal document, got %+v", doc.Actions)
	}
	if doc.Cause != cause {
		t.Fatalf("cause = %q, want %q", doc.Cause, cause)
	}
	h, ok := doc.Actions[len(doc.Actions)-1].(callcontrol.Hangup)
	if !ok || h.Cause != cause {
		t.Fatalf("last action = %+v, want hangup %s", doc.Actions[len(doc.Actions)-1], cause)
	}
	if _, ok := doc.Var("routing_error"); !ok {
		t.Error("expected routing_error variable")
	}
}

func TestInboundPriorityOrdering(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.extensions["e-1"] = &models.Extension{ID: "e-1", Number: "101", Enabled: true}
	st.extensions["e-2"] = &models.Extension{ID: "e-2", Number: "102", Enabled: true}
	st.extensions["e-3"] = &models.Extension{ID: "e-3", Number: "103", Enabled: true}
	st.inbound = []models.InboundRule{
		{ID: "r-2", Name: "Second", DIDNumber: "+390612345", Destination: extDest("e-2"), Priority: 2, Enabled: true, CreatedAt: created},
		{ID: "r-1b", Name: "Later tie", DIDNumber: "+390612345", Destination: extDest("e-3"), Priority: 1, Enabled: true, CreatedAt: created.Add(time.Hour)},
		{ID: "r-1", Name: "First", DIDNumber: "+390612345", Destination: extDest("e-1"), Priority: 1, Enabled: true, CreatedAt: created},
		{ID: "r-0", Name: "Disabled", DIDNumber: "+390612345", Destination: extDest("e-3"), Priority: 0, Enabled: false, CreatedAt: created},
	}

	doc, err := newRouter(st).Match(context.Background(), inboundCall())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := bridgeEndpoints(t, doc); !reflect.DeepEqual(got, []string{"user/101@acme.example"}) {
		t.Errorf("endpoints = %v", got)
	}
	if id, _ := doc.Var("routing_rule_id"); id != "r-1" {
		t.Errorf("routing_rule_id = %q, want r-1", id)
	}
	if doc.Expression != `^\+390612345$` {
		t.Errorf("expression = %q", doc.Expression)
	}
}

func TestInboundCallerIDMatching(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.extensions["vip"] = &models.Extension{ID: "vip", Number: "100", Enabled: true}
	st.extensions["all"] = &models.Extension{ID: "all", Number: "200", Enabled: true}
	st.inbound = []models.InboundRule{
		{ID: "bad", Name: "Broken", CallerIDPattern: "([", CallerIDMatch: models.MatchRegex, Destination: extDest("vip"), Priority: 0, Enabled: true},
		{ID: "vip", Name: "VIP", CallerIDPattern: `^\+39333`, CallerIDMatch: models.MatchRegex, Destination: extDest("vip"), Priority: 1, Enabled: true},
		{ID: "all", Name: "Everyone", Destination: extDest("all"), Priority: 2, Enabled: true},
	}
	r := newRouter(st)

	call := inboundCall()
	doc, err := r.Match(context.Background(), call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id, _ := doc.Var("routing_rule_id"); id != "vip" {
		t.Errorf("vip caller routed by %q", id)
	}

	call.CallerID = "+390200000"
	doc, err = r.Match(context.Background(), call)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id, _ := doc.Var("routing_rule_id"); id != "all" {
		t.Errorf("other caller routed by %q", id)
	}
}

func TestFailoverToRingGroup(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.extensions["e-off"] = &models.Extension{ID: "e-off", Number: "101", Enabled: false}
	st.groups["rg-1"] = &models.RingGroup{
		ID:          "rg-1",
		Name:        "Sales",
		Strategy:    models.StrategyHunt,
		CallTimeout: 60,
		Enabled:     true,
		Members: []models.RingGroupMember{
			{Extension: "202", Priority: 2, RingTimeout: 15, Enabled: true},
			{Extension: "201", Priority: 1, RingTimeout: 10, Enabled: true},
		},
		TimeoutAction: models.TimeoutHangup,
	}
	st.inbound = []models.InboundRule{{
		ID:          "r-1",
		Name:        "Main",
		DIDNumber:   "+390612345",
		Destination: extDest("e-off"),
		Failover:    &models.Destination{Type: models.DestinationRingGroup, ID: "rg-1"},
		Enabled:     true,
	}}

	doc := newRouter(st).Route(context.Background(), inboundCall())
	if doc.Terminal() {
		t.Fatalf("expected ring group document, got hangup %q", doc.Cause)
	}
	b, ok := doc.Actions[0].(callcontrol.Bridge)
	if !ok {
		t.Fatalf("first action = %T", doc.Actions[0])
	}
	want := []callcontrol.Leg{
		{Endpoint: "user/201@acme.example", Timeout: 10},
		{Endpoint: "user/202@acme.example", Timeout: 15},
	}
	if b.Mode != callcontrol.DialSequential || !reflect.DeepEqual(b.Legs, want) {
		t.Errorf("bridge = %+v", b)
	}
	if id, _ := doc.Var("ring_group_id"); id != "rg-1" {
		t.Errorf("ring_group_id = %q", id)
	}
}

func TestFailoverIsTriedOnlyOnce(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.groups["rg-off"] = &models.RingGroup{
		ID:       "rg-off",
		Enabled:  false,
		Failover: &models.Destination{Type: models.DestinationVoicemail, ID: "vm-1"},
	}
	st.boxes["vm-1"] = &models.VoicemailBox{ID: "vm-1", MailboxID: "500", Enabled: true}
	st.inbound = []models.InboundRule{{
		ID:          "r-1",
		Name:        "Main",
		Destination: extDest("missing"),
		Failover:    &models.Destination{Type: models.DestinationRingGroup, ID: "rg-off"},
		Enabled:     true,
	}}

	doc := newRouter(st).Route(context.Background(), inboundCall())
	requireHangup(t, doc, callcontrol.CauseNoRoute)
}

func TestUnresolvedWithoutFailoverIsNoRouteHangup(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.inbound = []models.InboundRule{{
		ID: "r-1", Name: "Main", Destination: extDest("missing"), Enabled: true,
	}}

	r := newRouter(st)
	_, err := r.Match(context.Background(), inboundCall())
	if !errors.Is(err, ErrUnresolvedDestination) {
		t.Fatalf("expected ErrUnresolvedDestination, got %v", err)
	}

	doc := r.Route(context.Background(), inboundCall())
	requireHangup(t, doc, callcontrol.CauseNoRoute)
	if doc.Context != "public" {
		t.Errorf("context = %q", doc.Context)
	}
}

func TestUnresolvedRuleContinuesScan(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.queues["q-1"] = &models.Queue{ID: "q-1", Name: "support", Enabled: true}
	st.inbound = []models.InboundRule{
		{ID: "r-1", Name: "Broken", Destination: extDest("missing"), Priority: 1, Enabled: true},
		{ID: "r-2", Name: "Queue", Destination: models.Destination{Type: models.DestinationQueue, ID: "q-1"}, Priority: 2, Enabled: true},
	}

	doc, err := newRouter(st).Match(context.Background(), inboundCall())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q, ok := doc.Actions[0].(callcontrol.Enqueue); !ok || q.Queue != "support@acme.example" {
		t.Errorf("actions = %+v", doc.Actions)
	}
}

func TestNoMatchingRule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(*fakeStore)
		call  func() models.CallContext
	}{
		{
			name:  "no rules",
			setup: func(*fakeStore) {},
			call:  inboundCall,
		},
		{
			name:  "unknown tenant",
			setup: func(*fakeStore) {},
			call: func() models.CallContext {
				c := inboundCall()
				c.Domain = "other.example"
				return c
			},
		},
		{
			name: "disabled tenant",
			setup: func(f *fakeStore) {
				f.tenants["acme.example"].Enabled = false
			},
			call: inboundCall,
		},
		{
			name: "did does not match",
			setup: func(f *fakeStore) {
				f.extensions["e-1"] = &models.Extension{ID: "e-1", Number: "101", Enabled: true}
				f.inbound = []models.InboundRule{{ID: "r", DIDNumber: "+3906999", Destination: extDest("e-1"), Enabled: true}}
			},
			call: inboundCall,
		},
		{
			name: "store keeps failing",
			setup: func(f *fakeStore) {
				f.failures = 2
			},
			call: inboundCall,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := newFakeStore()
			tc.setup(st)
			r := newRouter(st)

			_, err := r.Match(context.Background(), tc.call())
			if !errors.Is(err, ErrNoMatchingRule) {
				t.Fatalf("expected ErrNoMatchingRule, got %v", err)
			}
			requireHangup(t, r.Route(context.Background(), tc.call()), callcontrol.CauseNoRoute)
		})
	}
}

func TestStoreErrorIsRetriedOnce(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.failures = 1
	st.extensions["e-1"] = &models.Extension{ID: "e-1", Number: "101", Enabled: true}
	st.inbound = []models.InboundRule{{ID: "r-1", Name: "Main", Destination: extDest("e-1"), Enabled: true}}

	doc, err := newRouter(st).Match(context.Background(), inboundCall())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Terminal() {
		t.Fatal("expected routed document after retry")
	}
	if st.ruleReads != 2 {
		t.Errorf("rule reads = %d, want 2", st.ruleReads)
	}
}

func TestDeadlineReturnsTimerExpiredHangup(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.block = true
	r := newRouter(st, func(o *Options) { o.LookupTimeout = 20 * time.Millisecond })

	start := time.Now()
	doc := r.Route(context.Background(), inboundCall())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("lookup took %v", elapsed)
	}
	requireHangup(t, doc, callcontrol.CauseTimerExpired)
}

func TestTimeConditionBranches(t *testing.T) {
	t.Parallel()

	office := func() *models.TimeCondition {
		return &models.TimeCondition{
			ID:       "tc-1",
			Timezone: "UTC",
			Windows:  []models.TimeWindow{{Days: []int{1, 2, 3, 4, 5}, Start: "09:00", End: "18:00"}},
			Enabled:  true,
		}
	}
	vm := &models.Destination{Type: models.DestinationVoicemail, ID: "vm-1"}

	tests := []struct {
		name     string
		cond     *models.TimeCondition
		at       time.Time
		wantRule string
		wantVM   bool
	}{
		{
			name:     "open hours use rule destination",
			cond:     office(),
			at:       time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC),
			wantRule: "r-1",
		},
		{
			name: "closed hours use no-match destination",
			cond: func() *models.TimeCondition {
				c := office()
				c.NoMatch = vm
				return c
			}(),
			at:       time.Date(2025, 3, 12, 20, 0, 0, 0, time.UTC),
			wantRule: "r-1",
			wantVM:   true,
		},
		{
			name:     "closed hours without no-match continue to next rule",
			cond:     office(),
			at:       time.Date(2025, 3, 12, 20, 0, 0, 0, time.UTC),
			wantRule: "r-2",
		},
		{
			name: "holiday forces no-match",
			cond: func() *models.TimeCondition {
				c := office()
				c.NoMatch = vm
				c.Holidays = []models.Holiday{{Date: "2025-03-12", Kind: models.HolidayClosed}}
				return c
			}(),
			at:       time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC),
			wantRule: "r-1",
			wantVM:   true,
		},
		{
			name: "malformed condition is no match",
			cond: func() *models.TimeCondition {
				c := office()
				c.Timezone = "Nowhere/Land"
				return c
			}(),
			at:       time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC),
			wantRule: "r-2",
		},
		{
			name: "disabled condition uses rule destination",
			cond: func() *models.TimeCondition {
				c := office()
				c.Enabled = false
				c.NoMatch = vm
				return c
			}(),
			at:       time.Date(2025, 3, 12, 20, 0, 0, 0, time.UTC),
			wantRule: "r-1",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			st := newFakeStore()
			st.conditions["tc-1"] = tc.cond
			st.extensions["e-1"] = &models.Extension{ID: "e-1", Number: "101", Enabled: true}
			st.extensions["e-2"] = &models.Extension{ID: "e-2", Number: "102", Enabled: true}
			st.boxes["vm-1"] = &models.VoicemailBox{ID: "vm-1", MailboxID: "900", Enabled: true}
			st.inbound = []models.InboundRule{
				{ID: "r-1", Name: "Office", Destination: extDest("e-1"), TimeConditionID: "tc-1", Priority: 1, Enabled: true},
				{ID: "r-2", Name: "Fallback", Destination: extDest("e-2"), Priority: 2, Enabled: true},
			}

			call := inboundCall()
			call.At = tc.at
			doc, err := newRouter(st).Match(context.Background(), call)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id, _ := doc.Var("routing_rule_id"); id != tc.wantRule {
				t.Errorf("rule = %q, want %q", id, tc.wantRule)
			}
			_, isVM := doc.Actions[0].(callcontrol.Voicemail)
			if isVM != tc.wantVM {
				t.Errorf("voicemail = %v, want %v (actions %+v)", isVM, tc.wantVM, doc.Actions)
			}
		})
	}
}

func TestRingGroupSkipsUnregisteredAndForwards(t *testing.T) {
	t.Parallel()

	tbl := registry.NewTable()
	tbl.Upsert(registry.ExtensionStatus{Extension: "201", Domain: "acme.example", State: registry.StateUnregistered})

	st := newFakeStore()
	st.queues["q-1"] = &models.Queue{ID: "q-1", Name: "overflow", Enabled: true}
	st.groups["rg-1"] = &models.RingGroup{
		ID:                 "rg-1",
		Strategy:           models.StrategyRingAll,
		CallTimeout:        30,
		Enabled:            true,
		Members:            []models.RingGroupMember{{Extension: "201", Enabled: true}, {Extension: "202", Enabled: true}},
		TimeoutAction:      models.TimeoutForward,
		TimeoutDestination: &models.Destination{Type: models.DestinationQueue, ID: "q-1"},
	}
	st.inbound = []models.InboundRule{{
		ID: "r-1", Name: "Group", Destination: models.Destination{Type: models.DestinationRingGroup, ID: "rg-1"}, Enabled: true,
	}}

	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := newRouter(st, func(o *Options) {
		o.Logger = logger
		o.RingGroups = ringgroup.New(tbl, logger)
	})
	doc, err := r.Match(context.Background(), inboundCall())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := bridgeEndpoints(t, doc); !reflect.DeepEqual(got, []string{"user/202@acme.example"}) {
		t.Errorf("endpoints = %v", got)
	}
	if q, ok := doc.Actions[len(doc.Actions)-1].(callcontrol.Enqueue); !ok || q.Queue != "overflow@acme.example" {
		t.Errorf("last action = %+v", doc.Actions[len(doc.Actions)-1])
	}
	if !strings.Contains(logs.String(), `"dialed":["202"],"skipped":["201"]`) {
		t.Errorf("dial plan members not logged:\n%s", logs.String())
	}
}

func TestRingGroupForwardIsNotChained(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.groups["rg-a"] = &models.RingGroup{
		ID: "rg-a", Enabled: true, CallTimeout: 20,
		Members:            []models.RingGroupMember{{Extension: "201", Enabled: true}},
		TimeoutAction:      models.TimeoutForward,
		TimeoutDestination: &models.Destination{Type: models.DestinationRingGroup, ID: "rg-b"},
	}
	st.groups["rg-b"] = &models.RingGroup{
		ID: "rg-b", Enabled: true, CallTimeout: 20,
		Members:            []models.RingGroupMember{{Extension: "301", Enabled: true}},
		TimeoutAction:      models.TimeoutForward,
		TimeoutDestination: &models.Destination{Type: models.DestinationRingGroup, ID: "rg-a"},
	}
	st.inbound = []models.InboundRule{{
		ID: "r-1", Name: "Loop", Destination: models.Destination{Type: models.DestinationRingGroup, ID: "rg-a"}, Enabled: true,
	}}

	doc, err := newRouter(st).Match(context.Background(), inboundCall())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bridges := 0
	for _, a := range doc.Actions {
		if _, ok := a.(callcontrol.Bridge); ok {
			bridges++
		}
	}
	if bridges != 2 {
		t.Errorf("expected both groups dialed once, got %d bridges", bridges)
	}
	if h, ok := doc.Actions[len(doc.Actions)-1].(callcontrol.Hangup); !ok || h.Cause != callcontrol.CauseNoAnswer {
		t.Errorf("last action = %+v", doc.Actions[len(doc.Actions)-1])
	}
}

func TestInboundDecorations(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.rooms["c-1"] = &models.ConferenceRoom{ID: "c-1", Room: "3000", Profile: "default", PIN: "1234", Enabled: true}
	st.inbound = []models.InboundRule{{
		ID:                   "r-1",
		Name:                 "Conf Line",
		Destination:          models.Destination{Type: models.DestinationConference, ID: "c-1", Params: map[string]string{"announce": "conf.wav"}},
		CallerIDNameOverride: "Conference",
		RecordCalls:          true,
		Enabled:              true,
	}}

	doc, err := newRouter(st).Match(context.Background(), inboundCall())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if doc.Route != "inbound_conf_line" {
		t.Errorf("route = %q", doc.Route)
	}
	if v, _ := doc.Var("effective_caller_id_name"); v != "Conference" {
		t.Errorf("caller id name = %q", v)
	}
	if len(doc.Actions) != 3 {
		t.Fatalf("actions = %+v", doc.Actions)
	}
	if _, ok := doc.Actions[0].(callcontrol.Record); !ok {
		t.Errorf("first action = %T, want Record", doc.Actions[0])
	}
	if p, ok := doc.Actions[1].(callcontrol.Play); !ok || p.File != "conf.wav" {
		t.Errorf("second action = %+v", doc.Actions[1])
	}
	if c, ok := doc.Actions[2].(callcontrol.Conference); !ok || c.PIN != "1234" {
		t.Errorf("third action = %+v", doc.Actions[2])
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.groups["rg-1"] = &models.RingGroup{
		ID: "rg-1", Strategy: models.StrategyRingAll, Enabled: true, CallTimeout: 30,
		Members: []models.RingGroupMember{
			{Extension: "201", RingDelay: 0, Enabled: true},
			{Extension: "202", RingDelay: 5, Enabled: true},
		},
		VoicemailExtension: "200",
	}
	st.inbound = []models.InboundRule{{
		ID: "r-1", Name: "Group", Destination: models.Destination{Type: models.DestinationRingGroup, ID: "rg-1"}, Enabled: true,
	}}
	r := newRouter(st)

	first := r.Route(context.Background(), inboundCall())
	for i := 0; i < 20; i++ {
		if got := r.Route(context.Background(), inboundCall()); !reflect.DeepEqual(got, first) {
			t.Fatalf("iteration %d produced a different document", i)
		}
	}
}

func TestRandomRingGroupMemberSet(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.groups["rg-1"] = &models.RingGroup{
		ID: "rg-1", Strategy: models.StrategyRandom, Enabled: true, CallTimeout: 30,
		Members: []models.RingGroupMember{
			{Extension: "201", Enabled: true},
			{Extension: "202", Enabled: true},
			{Extension: "203", Enabled: true},
		},
	}
	st.inbound = []models.InboundRule{{
		ID: "r-1", Name: "Random", Destination: models.Destination{Type: models.DestinationRingGroup, ID: "rg-1"}, Enabled: true,
	}}
	r := newRouter(st)

	want := map[string]bool{
		"user/201@acme.example": true,
		"user/202@acme.example": true,
		"user/203@acme.example": true,
	}
	for i := 0; i < 10; i++ {
		doc, err := r.Match(context.Background(), inboundCall())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got := bridgeEndpoints(t, doc)
		if len(got) != len(want) {
			t.Fatalf("endpoints = %v", got)
		}
		for _, e := range got {
			if !want[e] {
				t.Fatalf("unexpected endpoint %q", e)
			}
		}
	}
}

func TestExtensionWithVoicemailContinuesAfterBridge(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.extensions["e-1"] = &models.Extension{ID: "e-1", Number: "101", Enabled: true, VoicemailEnabled: true}
	st.inbound = []models.InboundRule{{
		ID: "r-1", Name: "Main", DIDNumber: "+390612345", Destination: extDest("e-1"), Enabled: true,
	}}

	doc, err := newRouter(st).Match(context.Background(), inboundCall())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, name := range []string{"continue_on_fail", "hangup_after_bridge"} {
		if v, _ := doc.Var(name); v != "true" {
			t.Errorf("%s = %q, want true", name, v)
		}
	}
	if len(doc.Actions) != 2 {
		t.Fatalf("actions = %+v", doc.Actions)
	}
	if _, ok := doc.Actions[0].(callcontrol.Bridge); !ok {
		t.Errorf("first action = %T, want Bridge", doc.Actions[0])
	}
	if vm, ok := doc.Actions[1].(callcontrol.Voicemail); !ok || vm.Mailbox != "101" {
		t.Errorf("second action = %+v, want voicemail 101", doc.Actions[1])
	}

	out, err := fsxml.Render(doc)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var apps []string
	for _, a := range out.Section[0].Context.Extension[0].Condition[0].Action {
		apps = append(apps, a.App+" "+a.Data)
	}
	bridgeAt, continueAt, hangupAt := -1, -1, -1
	for i, a := range apps {
		switch {
		case strings.HasPrefix(a, "bridge "):
			bridgeAt = i
		case a == "set continue_on_fail=true":
			continueAt = i
		case a == "set hangup_after_bridge=true":
			hangupAt = i
		}
	}
	if bridgeAt < 0 || continueAt < 0 || hangupAt < 0 || continueAt > bridgeAt || hangupAt > bridgeAt {
		t.Errorf("bridge variables must be set before the bridge: %v", apps)
	}
}

func TestMalformedScheduleTakesNoMatchBranch(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.extensions["e-1"] = &models.Extension{ID: "e-1", Number: "101", Enabled: true}
	st.boxes["vm-1"] = &models.VoicemailBox{ID: "vm-1", MailboxID: "500", Enabled: true}
	st.conditions["tc-bad"] = &models.TimeCondition{
		ID:          "tc-bad",
		Name:        "Office",
		Enabled:     true,
		NoMatch:     &models.Destination{Type: models.DestinationVoicemail, ID: "vm-1"},
		ScheduleErr: errors.New("decode time_groups: invalid character 'n'"),
	}
	st.inbound = []models.InboundRule{
		{ID: "r-1", Name: "Office", Destination: extDest("e-1"), TimeConditionID: "tc-bad", Priority: 1, Enabled: true},
		{ID: "r-2", Name: "Catch all", Destination: extDest("e-1"), Priority: 2, Enabled: true},
	}

	doc, err := newRouter(st).Match(context.Background(), inboundCall())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id, _ := doc.Var("routing_rule_id"); id != "r-1" {
		t.Errorf("routed by %q, want r-1", id)
	}
	if vm, ok := doc.Actions[0].(callcontrol.Voicemail); !ok || vm.Mailbox != "500" {
		t.Errorf("actions = %+v, want voicemail 500", doc.Actions)
	}
}

func TestRingGroupFailoverUsesUpRuleFailover(t *testing.T) {
	t.Parallel()

	st := newFakeStore()
	st.groups["rg-off"] = &models.RingGroup{
		ID:       "rg-off",
		Name:     "Closed desk",
		Enabled:  false,
		Failover: &models.Destination{Type: models.DestinationExtension, ID: "missing"},
	}
	st.boxes["vm-1"] = &models.VoicemailBox{ID: "vm-1", MailboxID: "500", Enabled: true}
	st.inbound = []models.InboundRule{{
		ID:          "r-1",
		Name:        "Main",
		Destination: models.Destination{Type: models.DestinationRingGroup, ID: "rg-off"},
		Failover:    &models.Destination{Type: models.DestinationVoicemail, ID: "vm-1"},
		Enabled:     true,
	}}

	r := newRouter(st)
	_, err := r.Match(context.Background(), inboundCall())
	if !errors.Is(err, ErrUnresolvedDestination) {
		t.Fatalf("expected ErrUnresolvedDestination, got %v", err)
	}
	requireHangup(t, r.Route(context.Background(), inboundCall()), callcontrol.CauseNoRoute)
}
