// Package esl maintains the registration table from the switch's event
// socket.
//
// The client connects, authenticates, subscribes to registration, channel
// and gateway events, then rebuilds the table from a full registration
// listing. Connection failures are retried with capped exponential backoff;
// readers of the table keep seeing the last known state meanwhile.
package esl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"voip-router/internal/metrics"
	"voip-router/internal/registry"
)

var ErrProtocolConnection = errors.New("event socket connection failed")

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateSubscribed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateSubscribed:
		return "subscribed"
	default:
		return "disconnected"
	}
}

const refreshCommand = "api show registrations as json"

type Config struct {
	Addr           string
	Password       string
	ConnectTimeout time.Duration
	IdleTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Events         []string
}

// ConnectionStatus describes the event socket for status endpoints.
type ConnectionStatus struct {
	State       string    `json:"state"`
	Connected   bool      `json:"connected"`
	Since       time.Time `json:"since"`
	Attempt     int       `json:"attempt"`
	LastError   string    `json:"last_error,omitempty"`
	Extensions  int       `json:"extensions"`
	Registered  int       `json:"registered"`
	LastRefresh time.Time `json:"last_refresh"`
}

type connInfo struct {
	state     State
	since     time.Time
	attempt   int
	lastError string
}

// Client is the single writer of the registration table.
type Client struct {
	cfg     Config
	table   *registry.Table
	metrics *metrics.Metrics
	logger  *slog.Logger
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)
	now     func() time.Time

	info atomic.Pointer[connInfo]

	// active channel ids per table key, owned by the Run goroutine.
	active map[string]map[string]struct{}
}

func New(cfg Config, table *registry.Table, m *metrics.Metrics, logger *slog.Logger) *Client {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.BackoffMax < cfg.BackoffInitial {
		cfg.BackoffMax = cfg.BackoffInitial
	}
	if len(cfg.Events) == 0 {
		cfg.Events = DefaultEvents
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:     cfg,
		table:   table,
		metrics: m,
		logger:  logger.With("component", "esl"),
		dial:    (&net.Dialer{}).DialContext,
		now:     time.Now,
		active:  make(map[string]map[string]struct{}),
	}
	c.info.Store(&connInfo{state: StateDisconnected, since: c.now()})
	return c
}

func (c *Client) State() State {
	return c.info.Load().state
}

func (c *Client) Connected() bool {
	return c.State() == StateSubscribed
}

// Status returns the best known entry for an extension, possibly stale.
func (c *Client) Status(extension, domain string) (registry.ExtensionStatus, bool) {
	return c.table.Get(extension, domain)
}

func (c *Client) Statuses() []registry.ExtensionStatus {
	return c.table.All()
}

func (c *Client) ConnectionStatus() ConnectionStatus {
	info := c.info.Load()
	snap := c.table.Snapshot()
	return ConnectionStatus{
		State:       info.state.String(),
		Connected:   info.state == StateSubscribed,
		Since:       info.since,
		Attempt:     info.attempt,
		LastError:   info.lastError,
		Extensions:  len(snap.Extensions),
		Registered:  c.table.CountRegistered(),
		LastRefresh: snap.RefreshedAt,
	}
}

func (c *Client) setState(s State) {
	prev := c.info.Load()
	next := *prev
	next.state = s
	next.since = c.now()
	if s == StateSubscribed {
		next.attempt = 0
		next.lastError = ""
	}
	c.info.Store(&next)
	if prev.state != s {
		c.logger.Debug("event socket state changed", "from", prev.state.String(), "to", s.String())
	}
}

func (c *Client) setFailure(attempt int, err error) {
	prev := c.info.Load()
	next := *prev
	next.state = StateDisconnected
	next.since = c.now()
	next.attempt = attempt
	next.lastError = err.Error()
	c.info.Store(&next)
}

// Run keeps the event socket connected until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("starting event socket client", "addr", c.cfg.Addr)

	backoff := newBackoff(c.cfg.BackoffInitial, c.cfg.BackoffMax)
	first := true

	for {
		if !first {
			c.metrics.Reconnect()
		}
		first = false

		err := c.session(ctx, backoff.reset)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			c.logger.Info("event socket client stopped")
			return nil
		}

		retryDelay := backoff.next()
		c.setFailure(backoff.attempt, err)
		c.logger.Error("event socket disconnected",
			"addr", c.cfg.Addr,
			"error", err,
			"attempt", backoff.attempt,
			"retry_in", retryDelay.String(),
		)

		select {
		case <-ctx.Done():
			c.setState(StateDisconnected)
			c.logger.Info("event socket client stopped")
			return nil
		case <-time.After(retryDelay):
		}
	}
}

// session runs one connection from dial to failure. onSubscribed is called
// once the subscription has been accepted.
func (c *Client) session(ctx context.Context, onSubscribed func()) error {
	c.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	nc, err := c.dial(dialCtx, "tcp", c.cfg.Addr)
	cancel()
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrProtocolConnection, c.cfg.Addr, err)
	}
	defer nc.Close()
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	conn := newConn(nc)

	c.setState(StateAuthenticating)
	_ = nc.SetDeadline(c.now().Add(c.cfg.ConnectTimeout))
	if err := conn.authenticate(c.cfg.Password); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolConnection, err)
	}
	if err := conn.subscribe(c.cfg.Events); err != nil {
		return fmt.Errorf("%w: subscribe: %v", ErrProtocolConnection, err)
	}
	_ = nc.SetDeadline(time.Time{})

	c.setState(StateSubscribed)
	onSubscribed()
	c.logger.Info("event socket subscribed", "addr", c.cfg.Addr, "events", len(c.cfg.Events))

	if err := conn.send(refreshCommand); err != nil {
		return fmt.Errorf("%w: request registrations: %v", ErrProtocolConnection, err)
	}
	return c.eventLoop(nc, conn)
}

// eventLoop reads frames until the connection fails. Events that arrive
// before the registration listing are held back and applied on top of it.
func (c *Client) eventLoop(nc net.Conn, conn *conn) error {
	refreshing := true
	var pending []Event

	for {
		_ = nc.SetReadDeadline(c.now().Add(c.cfg.IdleTimeout))
		f, err := conn.readFrame()
		if err != nil {
			return fmt.Errorf("%w: read: %v", ErrProtocolConnection, err)
		}

		switch f.contentType() {
		case typeAPI:
			if !refreshing {
				continue
			}
			statuses, err := c.parseRegistrations(f.body)
			if err != nil {
				return fmt.Errorf("%w: registration listing: %v", ErrProtocolConnection, err)
			}
			c.table.Replace(statuses, c.now())
			c.active = make(map[string]map[string]struct{})
			refreshing = false
			c.logger.Info("registration table refreshed",
				"extensions", len(statuses),
				"buffered_events", len(pending),
			)
			for _, ev := range pending {
				c.apply(ev)
			}
			pending = nil

		case typeEventPlain:
			ev, err := parseEvent(f.body)
			if err != nil {
				c.metrics.MalformedEvent()
				c.logger.Warn("skipping malformed event", "error", err)
				continue
			}
			if refreshing {
				pending = append(pending, ev)
				continue
			}
			c.apply(ev)

		case typeDisconnect:
			return fmt.Errorf("%w: disconnected by switch", ErrProtocolConnection)
		}
	}
}

type registrationRow struct {
	RegUser   string `json:"reg_user"`
	Realm     string `json:"realm"`
	URL       string `json:"url"`
	UserAgent string `json:"user_agent"`
}

type registrationList struct {
	RowCount int               `json:"row_count"`
	Rows     []registrationRow `json:"rows"`
}

func (c *Client) parseRegistrations(body []byte) ([]registry.ExtensionStatus, error) {
	var list registrationList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, err
	}

	now := c.now()
	out := make([]registry.ExtensionStatus, 0, len(list.Rows))
	for _, row := range list.Rows {
		ext := row.RegUser
		if !digitsOnly(ext) {
			var err error
			if ext, err = ExtractExtension(row.URL); err != nil {
				c.logger.Info("dropping registration with unrecognized identity",
					"user", row.RegUser,
					"url", row.URL,
				)
				continue
			}
		}
		out = append(out, registry.ExtensionStatus{
			Extension: ext,
			Domain:    row.Realm,
			State:     registry.StateRegistered,
			LastSeen:  now,
			Contact:   row.URL,
			UserAgent: row.UserAgent,
		})
	}
	return out, nil
}

func (c *Client) apply(ev Event) {
	c.metrics.Event(ev.Kind())

	switch ev.Kind() {
	case SubclassRegister:
		c.registration(ev, registry.StateRegistered)
	case SubclassUnregister, SubclassExpire:
		c.registration(ev, registry.StateUnregistered)
	case SubclassGatewayState:
		c.gateway(ev)
	case EventChannelAnswer:
		c.channelUp(ev.Get("Channel-Name"), ev.Get("Unique-ID"), eventDomain(ev))
	case EventChannelBridge:
		c.channelUp(ev.Get("Channel-Name"), ev.Get("Unique-ID"), eventDomain(ev))
		c.channelUp(ev.Get("Other-Leg-Channel-Name"), ev.Get("Other-Leg-Unique-ID"), eventDomain(ev))
	case EventChannelHangup:
		c.channelDown(ev.Get("Channel-Name"), ev.Get("Unique-ID"), eventDomain(ev))
	}
}

func (c *Client) registration(ev Event, state registry.State) {
	contact := ev.Get("contact")
	ext, err := ExtractExtension(contact)
	if err != nil {
		user := ev.Get("from-user")
		if user == "" {
			user = ev.Get("username")
		}
		if ext, err = ExtractExtension(user); err != nil {
			c.logger.Info("dropping registration event with unrecognized identity",
				"event", ev.Kind(),
				"contact", contact,
				"user", user,
			)
			return
		}
	}

	domain := firstNonEmpty(ev.Get("realm"), ev.Get("from-host"), ev.Get("to-host"))
	key := registry.Key(ext, domain)
	if state == registry.StateRegistered && len(c.active[key]) > 0 {
		state = registry.StateBusy
	}
	if state == registry.StateUnregistered {
		delete(c.active, key)
	}

	c.table.Upsert(registry.ExtensionStatus{
		Extension: ext,
		Domain:    domain,
		State:     state,
		LastSeen:  c.now(),
		Contact:   contact,
		UserAgent: ev.Get("user-agent"),
	})
	c.logger.Debug("registration updated", "extension", ext, "domain", domain, "state", state)
}

func (c *Client) gateway(ev Event) {
	name := ev.Get("Gateway")
	if name == "" {
		c.logger.Info("dropping gateway event without gateway name")
		return
	}
	c.table.SetGateway(registry.GatewayStatus{
		Name:     name,
		State:    ev.Get("State"),
		Status:   firstNonEmpty(ev.Get("Ping-Status"), ev.Get("Status")),
		LastSeen: c.now(),
	})
}

// channelUp marks the extension behind a channel busy. Only extensions
// already present in the table are tracked so that trunk legs do not
// create entries.
func (c *Client) channelUp(channel, uuid, domain string) {
	if channel == "" || uuid == "" {
		return
	}
	st, ok := c.channelOwner(channel, domain)
	if !ok {
		return
	}
	key := registry.Key(st.Extension, st.Domain)
	if c.active[key] == nil {
		c.active[key] = make(map[string]struct{})
	}
	c.active[key][uuid] = struct{}{}
	if st.State == registry.StateRegistered {
		c.table.SetBusy(st.Extension, st.Domain, true, c.now())
	}
}

func (c *Client) channelDown(channel, uuid, domain string) {
	if channel == "" || uuid == "" {
		return
	}
	st, ok := c.channelOwner(channel, domain)
	if !ok {
		return
	}
	key := registry.Key(st.Extension, st.Domain)
	calls := c.active[key]
	if _, ok := calls[uuid]; !ok {
		return
	}
	delete(calls, uuid)
	if len(calls) > 0 {
		return
	}
	delete(c.active, key)
	c.table.SetBusy(st.Extension, st.Domain, false, c.now())
}

func (c *Client) channelOwner(channel, domain string) (registry.ExtensionStatus, bool) {
	ext, err := ExtractExtension(channel)
	if err != nil {
		c.logger.Debug("ignoring channel with unrecognized identity", "channel", channel)
		return registry.ExtensionStatus{}, false
	}
	return c.table.Get(ext, domain)
}

func eventDomain(ev Event) string {
	return firstNonEmpty(ev.Get("variable_domain_name"), ev.Get("variable_dialed_domain"))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
