package http

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/example/helpdesk/backend/internal/feed"
	"github.com/example/helpdesk/backend/internal/gate"
	"github.com/example/helpdesk/backend/internal/identity"
	"github.com/example/helpdesk/backend/internal/logging"
	"github.com/example/helpdesk/backend/internal/models"
	"github.com/example/helpdesk/backend/internal/roles"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
	sendBuffer     = 32

	// resubscribeDelay spaces out push retries after a transport failure.
	resubscribeDelay = time.Second
)

// Feed message types.
const (
	MessageTickets  = "tickets"
	MessageStatus   = "status"
	MessageRedirect = "redirect"
	MessagePong     = "pong"
	MessageRefresh  = "refresh"
	MessageLogout   = "logout"
	MessagePing     = "ping"
)

// FeedMessage is one websocket frame in either direction.
type FeedMessage struct {
	Type     string `json:"type"`
	Data     any    `json:"data,omitempty"`
	Location string `json:"location,omitempty"`
}

// FeedStatus accompanies every feed so viewers can show live/manual and online/offline.
type FeedStatus struct {
	Mode     feed.Mode `json:"mode"`
	Failures int       `json:"failures"`
	Online   bool      `json:"online"`
}

// ticketFeed upgrades to a websocket that streams ticket snapshots for scope=mine|all.
// The connection owns a session; when the access gate stops rendering (logout, or a role
// that does not match the scope) the client is told where to go and the socket closes.
func (s *Server) ticketFeed(c *gin.Context) {
	caller := mustCaller(c)
	scopeName := c.DefaultQuery("scope", "mine")
	if _, err := feed.ParseScope(scopeName, caller.Identity.UID); err != nil {
		respondError(c, err)
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	fc := newFeedConn(ws)
	go fc.writePump()
	go fc.readPump()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.runFeed(ctx, fc, caller.Identity, scopeName)

	fc.shutdown()
	select {
	case <-fc.written:
	case <-time.After(writeWait):
	}
	_ = ws.Close()
}

func (s *Server) runFeed(ctx context.Context, fc *feedConn, id identity.Identity, scopeName string) {
	log := logging.With("feed_socket").With().Str("uid", id.UID).Str("scope", scopeName).Logger()

	session := identity.NewSession()
	defer session.Close()
	tracker := roles.NewTracker(ctx, s.resolver, session)
	defer tracker.Close()

	states := make(chan roles.State, 1)
	stopStates := tracker.OnChange(func(st roles.State) { offerLatest(states, st) })
	defer stopStates()

	online := make(chan bool, 1)
	if s.monitor != nil {
		stop := s.monitor.OnChange(func(on bool) { offerLatest(online, on) })
		defer stop()
	}

	var required models.Role
	if scopeName == string(feed.ScopeAll) {
		required = models.RoleAdmin
	}

	var (
		scope   feed.Scope
		sub     *feed.Subscription
		subDone <-chan struct{}
		retry   <-chan time.Time
	)
	defer func() {
		if sub != nil {
			sub.Cancel()
		}
	}()

	subscribe := func() {
		var err error
		sub, err = s.feeds.Subscribe(ctx, scope, func(t []models.Ticket) {
			fc.enqueue(FeedMessage{Type: MessageTickets, Data: t})
		})
		if err != nil {
			log.Warn().Err(err).Msg("feed subscribe failed")
			sub, subDone = nil, nil
			return
		}
		subDone = sub.Done()
		s.sendStatus(fc, scope)
	}

	session.Set(&id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-fc.gone:
			return

		case st := <-states:
			out := gate.Decide(required, st)
			switch out.Decision {
			case gate.Pending:
			case gate.Render:
				if sub == nil {
					scope, _ = feed.ParseScope(scopeName, st.Identity.UID)
					subscribe()
				}
			default:
				log.Info().Str("decision", string(out.Decision)).Str("location", out.Location).Msg("feed access ended")
				fc.enqueue(FeedMessage{Type: MessageRedirect, Location: out.Location})
				return
			}

		case <-subDone:
			subDone = nil
			if sub.Mode() == feed.ModePush {
				// The shared transport failed; the fallback snapshot has been delivered.
				sub = nil
				retry = time.After(resubscribeDelay)
			}
			s.sendStatus(fc, scope)

		case <-retry:
			retry = nil
			if sub == nil {
				subscribe()
			}

		case on := <-online:
			if sub != nil || retry != nil {
				s.sendStatus(fc, scope)
			}
			log.Debug().Bool("online", on).Msg("connectivity changed")

		case msg := <-fc.incoming:
			switch msg.Type {
			case MessagePing:
				fc.enqueue(FeedMessage{Type: MessagePong})
			case MessageLogout:
				session.Set(nil)
			case MessageRefresh:
				if scope.Kind == "" {
					continue
				}
				if sub != nil && sub.Mode() == feed.ModePoll {
					// Poll subscriptions are one-shot; a refresh after ReEnable may go live again.
					if s.feeds.Health(scope.Kind).Mode == feed.ModePush {
						sub = nil
						subscribe()
						continue
					}
				}
				_ = s.feeds.Refresh(ctx, scope, func(t []models.Ticket) {
					fc.enqueue(FeedMessage{Type: MessageTickets, Data: t})
				})
				s.sendStatus(fc, scope)
			}
		}
	}
}

func (s *Server) sendStatus(fc *feedConn, scope feed.Scope) {
	h := s.feeds.Health(scope.Kind)
	online := s.monitor == nil || s.monitor.Online()
	fc.enqueue(FeedMessage{Type: MessageStatus, Data: FeedStatus{Mode: h.Mode, Failures: h.Failures, Online: online}})
}

// offerLatest replaces any pending value in a one-slot channel with v.
func offerLatest[T any](ch chan T, v T) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// feedConn pumps FeedMessages over one websocket.
type feedConn struct {
	ws       *websocket.Conn
	log      zerolog.Logger
	incoming chan FeedMessage
	gone     chan struct{}
	written  chan struct{}

	mu     sync.Mutex
	send   chan FeedMessage
	closed bool
}

func newFeedConn(ws *websocket.Conn) *feedConn {
	return &feedConn{
		ws:       ws,
		log:      logging.With("feed_socket"),
		incoming: make(chan FeedMessage, 8),
		gone:     make(chan struct{}),
		written:  make(chan struct{}),
		send:     make(chan FeedMessage, sendBuffer),
	}
}

// enqueue queues msg for the writer. A client that falls sendBuffer messages behind is
// disconnected.
func (fc *feedConn) enqueue(msg FeedMessage) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return
	}
	select {
	case fc.send <- msg:
	default:
		fc.log.Warn().Msg("feed client too slow, disconnecting")
		fc.closed = true
		close(fc.send)
	}
}

// shutdown lets the writer flush queued messages and close the socket.
func (fc *feedConn) shutdown() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if !fc.closed {
		fc.closed = true
		close(fc.send)
	}
}

func (fc *feedConn) readPump() {
	defer close(fc.gone)

	fc.ws.SetReadLimit(maxMessageSize)
	if err := fc.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	fc.ws.SetPongHandler(func(string) error {
		return fc.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg FeedMessage
		if err := fc.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				fc.log.Debug().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		select {
		case fc.incoming <- msg:
		default:
			fc.log.Debug().Str("type", msg.Type).Msg("dropping client message")
		}
	}
}

func (fc *feedConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(fc.written)
	}()

	for {
		select {
		case msg, ok := <-fc.send:
			if err := fc.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = fc.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := fc.ws.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := fc.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := fc.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
