// Package feed delivers live ticket snapshots to viewers.
//
// A Manager keeps one shared push transport per scope ("my tickets" for one user, or all
// tickets) and fans each snapshot out to every consumer of that scope. When the push
// transport of a scope class fails, consumers get one fallback pull, and after the
// configured number of consecutive failures the class switches to poll mode: new subscriptions
// get a single snapshot and further data only through Refresh. Only ReEnable switches a
// class back to push.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/example/helpdesk/backend/internal/apperr"
	"github.com/example/helpdesk/backend/internal/backend"
	"github.com/example/helpdesk/backend/internal/logging"
	"github.com/example/helpdesk/backend/internal/metrics"
	"github.com/example/helpdesk/backend/internal/models"
	"github.com/example/helpdesk/backend/internal/repository"
)

// DefaultFailureThreshold is the number of consecutive push failures that switches a scope
// class to poll mode.
const DefaultFailureThreshold = 3

// noRecovery keeps an open breaker open until ReEnable replaces it.
const noRecovery = 100 * 365 * 24 * time.Hour

// Mode is the transport a scope class currently uses.
type Mode string

const (
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

// DataFunc receives a full snapshot, newest ticket first. Each call replaces the previous one.
type DataFunc func([]models.Ticket)

// Health is the state of one scope class.
type Health struct {
	Mode     Mode `json:"mode"`
	Failures int  `json:"failures"`
}

// Manager multiplexes ticket feeds over a backend.Facade.
type Manager struct {
	store     backend.Facade
	tickets   *repository.TicketRepository
	threshold int
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	breakers   map[ScopeKind]*gobreaker.TwoStepCircuitBreaker[struct{}]
	transports map[string]*transport
	nextID     uint64
}

// NewManager returns a Manager with every scope class in push mode. A threshold below one
// selects DefaultFailureThreshold.
func NewManager(store backend.Facade, threshold int) *Manager {
	if threshold < 1 {
		threshold = DefaultFailureThreshold
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:      store,
		tickets:    repository.NewTicketRepository(store),
		threshold:  threshold,
		log:        logging.With("feed"),
		ctx:        ctx,
		cancel:     cancel,
		breakers:   make(map[ScopeKind]*gobreaker.TwoStepCircuitBreaker[struct{}]),
		transports: make(map[string]*transport),
	}
	for _, kind := range []ScopeKind{ScopeSelf, ScopeAll} {
		m.breakers[kind] = m.newBreaker(kind)
	}
	return m
}

// newBreaker returns a closed breaker for one scope class. It opens after threshold
// consecutive push failures and stays open; a successful push delivery clears the streak.
func (m *Manager) newBreaker(kind ScopeKind) *gobreaker.TwoStepCircuitBreaker[struct{}] {
	metrics.SetFeedMode(string(kind), string(ModePush))
	threshold := uint32(m.threshold)
	return gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:    string(kind),
		Timeout: noRecovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			mode := modeOf(to)
			metrics.SetFeedMode(name, string(mode))
			if mode == ModePoll {
				m.log.Warn().Str("scope", name).Int("failures", m.threshold).Msg("live updates disabled, switching to manual refresh")
			}
		},
	})
}

func modeOf(state gobreaker.State) Mode {
	if state == gobreaker.StateClosed {
		return ModePush
	}
	return ModePoll
}

// healthLocked reads the state of one scope class from its breaker.
func (m *Manager) healthLocked(kind ScopeKind) Health {
	cb, ok := m.breakers[kind]
	if !ok {
		return Health{Mode: ModePush}
	}
	if mode := modeOf(cb.State()); mode == ModePoll {
		return Health{Mode: mode, Failures: m.threshold}
	}
	return Health{Mode: ModePush, Failures: int(cb.Counts().ConsecutiveFailures)}
}

// recordLocked reports one push outcome to kind's breaker. Outcomes seen while the breaker is
// open are dropped.
func (m *Manager) recordLocked(kind ScopeKind, success bool) {
	done, err := m.breakers[kind].Allow()
	if err != nil {
		return
	}
	done(success)
}

// transport is one live backend subscription shared by every consumer of a scope.
type transport struct {
	scope  Scope
	cancel backend.CancelFunc

	// deliverMu orders deliveries, replays and the fallback pull of this transport.
	deliverMu sync.Mutex

	// Guarded by Manager.mu.
	consumers map[uint64]*Subscription
	last      []models.Ticket
	hasLast   bool
	closed    bool
}

// Subscribe starts delivering scope's tickets to onData. In push mode the consumer joins
// the scope's shared transport, opening it if needed, and receives the latest snapshot
// right away if one exists. In poll mode a single snapshot is delivered before Subscribe
// returns and the subscription is already done. A push subscription is cancelled when ctx
// is done.
//
// onData must not call Subscribe for the same scope.
func (m *Manager) Subscribe(ctx context.Context, scope Scope, onData DataFunc) (*Subscription, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	sub, err := m.subscribe(ctx, scope, onData)
	if err != nil {
		return nil, err
	}
	if sub.Mode() == ModePush {
		stop := context.AfterFunc(ctx, sub.Cancel)
		go func() {
			<-sub.Done()
			stop()
		}()
	}
	return sub, nil
}

func (m *Manager) subscribe(ctx context.Context, scope Scope, onData DataFunc) (*Subscription, error) {
	for {
		m.mu.Lock()
		if m.ctx.Err() != nil {
			m.mu.Unlock()
			return nil, apperr.Unavailable(errors.New("feed manager closed"))
		}
		if m.healthLocked(scope.Kind).Mode == ModePoll {
			m.mu.Unlock()
			onData(m.pull(ctx, scope))
			return finishedSubscription(ModePoll), nil
		}
		t, ok := m.transports[scope.key()]
		if !ok {
			t = &transport{scope: scope, consumers: make(map[uint64]*Subscription)}
			m.transports[scope.key()] = t
			sub := m.addConsumerLocked(t, onData)
			m.mu.Unlock()
			m.open(t)
			return sub, nil
		}
		m.mu.Unlock()

		// Join under the transport's delivery lock so the replayed snapshot cannot overtake
		// a newer delivery.
		t.deliverMu.Lock()
		m.mu.Lock()
		if t.closed {
			m.mu.Unlock()
			t.deliverMu.Unlock()
			continue
		}
		sub := m.addConsumerLocked(t, onData)
		last, hasLast := t.last, t.hasLast
		m.mu.Unlock()
		if hasLast {
			onData(last)
		}
		t.deliverMu.Unlock()
		return sub, nil
	}
}

// Refresh runs one manual query for scope and hands the result to onData. A failed query
// delivers an empty snapshot.
func (m *Manager) Refresh(ctx context.Context, scope Scope, onData DataFunc) error {
	if err := scope.validate(); err != nil {
		return err
	}
	onData(m.pull(ctx, scope))
	return nil
}

// ReEnable replaces every scope class's breaker with a closed one, clearing its failure
// streak. It does not touch existing poll-mode consumers; they have to subscribe again.
func (m *Manager) ReEnable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for kind := range m.breakers {
		if h := m.healthLocked(kind); h.Mode == ModePoll || h.Failures > 0 {
			m.log.Info().Str("scope", string(kind)).Int("failures", h.Failures).Msg("live updates re-enabled")
		}
		m.breakers[kind] = m.newBreaker(kind)
	}
}

// Health reports the state of one scope class.
func (m *Manager) Health(kind ScopeKind) Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthLocked(kind)
}

// HealthAll reports every scope class.
func (m *Manager) HealthAll() map[ScopeKind]Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ScopeKind]Health, len(m.breakers))
	for kind := range m.breakers {
		out[kind] = m.healthLocked(kind)
	}
	return out
}

// Close tears down every transport and ends every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	m.cancel()
	var subs []*Subscription
	var cancels []backend.CancelFunc
	for key, t := range m.transports {
		delete(m.transports, key)
		t.closed = true
		if t.cancel != nil {
			cancels = append(cancels, t.cancel)
		}
		for _, s := range t.consumers {
			subs = append(subs, s)
		}
		t.consumers = nil
	}
	m.mu.Unlock()

	for _, c := range cancels {
		c()
		metrics.FeedActiveTransports.Dec()
	}
	for _, s := range subs {
		s.finish()
	}
}

func (m *Manager) addConsumerLocked(t *transport, onData DataFunc) *Subscription {
	m.nextID++
	id := m.nextID
	sub := &Subscription{mode: ModePush, onData: onData, done: make(chan struct{})}
	sub.detach = func() { m.detach(t, id) }
	t.consumers[id] = sub
	return sub
}

// open starts the backend subscription of a freshly registered transport.
func (m *Manager) open(t *transport) {
	q := repository.TicketQuery(t.scope.UserID)
	cancel, err := m.store.Subscribe(m.ctx, models.TicketsCollection, q,
		func(docs []backend.Document) { m.deliver(t, docs) },
		func(err error) { m.fail(t, err) },
	)
	if err != nil {
		m.fail(t, err)
		return
	}

	m.mu.Lock()
	if t.closed {
		m.mu.Unlock()
		cancel()
		return
	}
	t.cancel = cancel
	m.mu.Unlock()
	metrics.FeedActiveTransports.Inc()
	m.log.Debug().Str("scope", t.scope.key()).Stringer("query", q).Msg("push transport opened")
}

// deliver fans a push snapshot out to the transport's consumers. A successful delivery
// ends the scope class's failure streak.
func (m *Manager) deliver(t *transport, docs []backend.Document) {
	tickets := m.decode(docs)

	t.deliverMu.Lock()
	defer t.deliverMu.Unlock()

	m.mu.Lock()
	if t.closed {
		m.mu.Unlock()
		return
	}
	t.last, t.hasLast = tickets, true
	if h := m.healthLocked(t.scope.Kind); h.Failures > 0 && h.Mode == ModePush {
		m.log.Info().Str("scope", string(t.scope.Kind)).Int("failures", h.Failures).Msg("push delivery recovered")
		m.recordLocked(t.scope.Kind, true)
	}
	subs := consumersOf(t)
	m.mu.Unlock()

	metrics.FeedDeliveriesTotal.WithLabelValues(string(t.scope.Kind), string(ModePush)).Inc()
	for _, s := range subs {
		s.onData(tickets)
	}
}

// fail retires a broken transport: it counts the failure against the scope class, switches
// the class to poll mode at the threshold, gives the consumers one fallback pull and ends
// their subscriptions.
func (m *Manager) fail(t *transport, err error) {
	m.mu.Lock()
	if t.closed {
		m.mu.Unlock()
		return
	}
	t.closed = true
	if m.transports[t.scope.key()] == t {
		delete(m.transports, t.scope.key())
	}
	m.recordLocked(t.scope.Kind, false)
	failures := m.healthLocked(t.scope.Kind).Failures
	subs := consumersOf(t)
	t.consumers = nil
	cancel := t.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		metrics.FeedActiveTransports.Dec()
	}
	metrics.FeedPushFailuresTotal.WithLabelValues(string(t.scope.Kind)).Inc()
	m.log.Warn().Err(err).Str("scope", t.scope.key()).Int("failures", failures).Msg("push transport failed")

	if len(subs) == 0 {
		return
	}
	t.deliverMu.Lock()
	tickets := m.pull(m.ctx, t.scope)
	for _, s := range subs {
		s.onData(tickets)
	}
	t.deliverMu.Unlock()
	for _, s := range subs {
		s.finish()
	}
}

// detach removes one consumer and closes the transport when it was the last one.
func (m *Manager) detach(t *transport, id uint64) {
	m.mu.Lock()
	if t.closed {
		m.mu.Unlock()
		return
	}
	delete(t.consumers, id)
	if len(t.consumers) > 0 {
		m.mu.Unlock()
		return
	}
	t.closed = true
	if m.transports[t.scope.key()] == t {
		delete(m.transports, t.scope.key())
	}
	cancel := t.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		metrics.FeedActiveTransports.Dec()
		m.log.Debug().Str("scope", t.scope.key()).Msg("push transport closed")
	}
}

// pull is the manual query path. Errors degrade to an empty snapshot.
func (m *Manager) pull(ctx context.Context, scope Scope) []models.Ticket {
	var (
		tickets []models.Ticket
		err     error
	)
	if scope.Kind == ScopeSelf {
		tickets, err = m.tickets.ListForUser(ctx, scope.UserID)
	} else {
		tickets, err = m.tickets.ListAll(ctx)
	}
	if err != nil {
		m.log.Warn().Err(err).Str("scope", scope.key()).Msg("manual ticket refresh failed, delivering empty list")
		tickets = []models.Ticket{}
	}
	metrics.FeedDeliveriesTotal.WithLabelValues(string(scope.Kind), string(ModePoll)).Inc()
	return tickets
}

func (m *Manager) decode(docs []backend.Document) []models.Ticket {
	tickets, skipped := repository.DecodeTickets(docs, m.log)
	if skipped > 0 {
		metrics.FeedDecodeSkippedTotal.Add(float64(skipped))
	}
	return tickets
}

func consumersOf(t *transport) []*Subscription {
	subs := make([]*Subscription, 0, len(t.consumers))
	for _, s := range t.consumers {
		subs = append(subs, s)
	}
	return subs
}
