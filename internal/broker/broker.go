// Package broker implements the connection-broker state machine: nickname
// registration, the connect-request handshake, paired-session relay, and
// the cleanup cascades for timeouts and disconnects.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lgbtaye777/ephemerium-chat/internal/protocol"
)

const (
	defaultRequestTTL         = 60 * time.Second
	defaultSessionIdleTimeout = 10 * time.Minute
	defaultSweepInterval      = 30 * time.Second

	messageMinChars = 1
	messageMaxChars = 2000
)

// Conn is the transport handle the broker addresses outbound frames to.
// Send must not block; delivery is best effort relative to the state
// transition that produced the frame.
type Conn interface {
	Send(msg protocol.ServerMessage)
}

// Options configures timeouts and observability.
type Options struct {
	RequestTTL         time.Duration
	SessionIdleTimeout time.Duration
	SweepInterval      time.Duration
	Metrics            *Metrics
}

// Broker owns the three entity tables (users, pending requests, sessions)
// for the process lifetime. A single mutex is held across every compound
// operation so that request creation, busy checks, and acceptance are
// observed as atomic transitions; outbound notices are collected under the
// lock and pushed after release.
type Broker struct {
	log     *zap.Logger
	metrics *Metrics

	requestTTL         time.Duration
	sessionIdleTimeout time.Duration
	sweepInterval      time.Duration

	mu       sync.Mutex
	users    *userTable
	requests *requestTable
	sessions *sessionTable

	houseOnce sync.Once
	nowFn     func() time.Time
}

// New wires a broker with empty tables.
func New(log *zap.Logger, opts Options) *Broker {
	b := &Broker{
		log:                log,
		metrics:            opts.Metrics,
		requestTTL:         opts.RequestTTL,
		sessionIdleTimeout: opts.SessionIdleTimeout,
		sweepInterval:      opts.SweepInterval,
		users:              newUserTable(),
		requests:           newRequestTable(),
		sessions:           newSessionTable(),
		nowFn:              time.Now,
	}
	if b.requestTTL <= 0 {
		b.requestTTL = defaultRequestTTL
	}
	if b.sessionIdleTimeout <= 0 {
		b.sessionIdleTimeout = defaultSessionIdleTimeout
	}
	if b.sweepInterval <= 0 {
		b.sweepInterval = defaultSweepInterval
	}
	return b
}

// notice is an outbound frame addressed at collection time and delivered
// after the broker lock is released.
type notice struct {
	to  Conn
	msg protocol.ServerMessage
}

func (b *Broker) deliver(notices []notice) {
	for _, n := range notices {
		if n.to == nil {
			continue
		}
		n.to.Send(n.msg)
	}
}

// HandleMessage dispatches one inbound frame. Errors are reported to the
// sending connection as error frames; the connection stays open.
func (b *Broker) HandleMessage(conn Conn, msg protocol.ClientMessage) {
	start := time.Now()

	// The latency label must stay a closed set; client-supplied type
	// strings would mint unbounded metric series.
	op := msg.Type

	var err *protocol.Error
	switch msg.Type {
	case protocol.TypeHello:
		err = b.register(conn, msg.Nickname)
	case protocol.TypeConnect:
		err = b.createRequest(conn, msg.TargetNickname)
	case protocol.TypeConnectAccept:
		err = b.accept(conn, msg.RequestID)
	case protocol.TypeConnectReject:
		err = b.reject(conn, msg.RequestID)
	case protocol.TypeConnectCancel:
		err = b.cancel(conn, msg.RequestID)
	case protocol.TypeMessage:
		err = b.relay(conn, msg.Text)
	case protocol.TypeLeave:
		b.Leave(conn)
	default:
		op = "unknown"
		err = protocol.NewError(protocol.CodeParseError, fmt.Sprintf("unsupported message type %q", msg.Type))
	}

	if err != nil {
		conn.Send(protocol.ErrorFrame(err))
		b.metrics.recordError(err.Code)
	}
	b.metrics.observeLatency(op, time.Since(start))
}

// register handles hello: validates the nickname, enforces uniqueness, and
// answers hello_ok carrying the new identity token.
func (b *Broker) register(conn Conn, nickname string) *protocol.Error {
	nickname = strings.TrimSpace(nickname)
	if err := validateNickname(nickname); err != nil {
		return err
	}

	b.mu.Lock()
	if b.users.lookupConn(conn) != nil {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeAlreadyRegistered, "Connection already registered")
	}
	if b.users.lookup(nickname) != nil {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeNicknameTaken, "Nickname already taken")
	}

	u := &user{
		id:         uuid.NewString(),
		nickname:   nickname,
		conn:       conn,
		lastSeenAt: b.nowFn(),
	}
	b.users.register(u)
	b.metrics.setUsers(b.users.len())
	b.mu.Unlock()

	conn.Send(protocol.HelloOK(u.id))
	b.log.Info("user registered", zap.String("nickname", nickname), zap.String("identity", u.id))
	return nil
}

// createRequest handles connect. Checks run in a fixed order and all fail
// closed: target validity, self-connect, target existence, sender busy,
// target busy, sender already has an outgoing slot, target already has an
// incoming slot.
func (b *Broker) createRequest(conn Conn, targetNickname string) *protocol.Error {
	targetNickname = strings.TrimSpace(targetNickname)

	var notices []notice
	b.mu.Lock()
	sender := b.users.lookupConn(conn)
	if sender == nil {
		b.mu.Unlock()
		return errNotRegistered()
	}
	sender.lastSeenAt = b.nowFn()

	if err := validateNickname(targetNickname); err != nil {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeInvalidTarget, err.Message)
	}
	if targetNickname == sender.nickname {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeSelfConnect, "Cannot connect to yourself")
	}
	target := b.users.lookup(targetNickname)
	if target == nil {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeUserNotFound, "Target not found")
	}
	if sender.busy() {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeSenderBusy, "You are already in a session")
	}
	if target.busy() {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeTargetBusy, "Target is already in a session")
	}
	if b.requests.hasOutgoing(sender.nickname) {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeRequestSent, "You already have a pending request")
	}
	if b.requests.hasIncoming(targetNickname) {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeTargetHasPending, "Target already has a pending request")
	}

	now := b.nowFn()
	pr := &pendingRequest{
		id:        uuid.NewString(),
		from:      sender.nickname,
		to:        targetNickname,
		createdAt: now,
		expiresAt: now.Add(b.requestTTL),
	}
	b.requests.insert(pr)
	b.metrics.setRequests(b.requests.len())

	notices = append(notices,
		notice{sender.conn, protocol.Waiting(pr.id, pr.to, pr.expiresAt)},
		notice{target.conn, protocol.IncomingRequest(pr.id, pr.from, pr.expiresAt)},
	)
	b.mu.Unlock()

	b.deliver(notices)
	b.log.Info("request sent",
		zap.String("from", pr.from),
		zap.String("to", pr.to),
		zap.String("request_id", pr.id))
	return nil
}

// accept handles connect_accept. The request is removed before the
// endpoint checks so a concurrent accept, reject, or cancel on the same id
// cannot double-fire; if an endpoint vanished or became busy since the
// request was created, both sides are told and no session is made.
func (b *Broker) accept(conn Conn, requestID string) *protocol.Error {
	var notices []notice
	b.mu.Lock()
	sender := b.users.lookupConn(conn)
	if sender == nil {
		b.mu.Unlock()
		return errNotRegistered()
	}
	sender.lastSeenAt = b.nowFn()

	pr := b.requests.get(requestID)
	if pr == nil {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeRequestNotFound, "Request not found")
	}
	if pr.to != sender.nickname {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeRequestForbidden, "Not your request")
	}

	b.requests.remove(pr)
	b.metrics.setRequests(b.requests.len())

	fromUser := b.users.lookup(pr.from)
	toUser := b.users.lookup(pr.to)
	if fromUser == nil || toUser == nil {
		if fromUser != nil {
			notices = append(notices, notice{fromUser.conn,
				protocol.ErrorFrame(protocol.NewError(protocol.CodeRequestFailed, "Target offline"))})
		}
		b.mu.Unlock()
		b.deliver(notices)
		return protocol.NewError(protocol.CodeUserOffline, "User offline")
	}
	if fromUser.busy() || toUser.busy() {
		notices = append(notices, notice{fromUser.conn,
			protocol.ErrorFrame(protocol.NewError(protocol.CodeRequestFailed, "Someone is busy"))})
		b.mu.Unlock()
		b.deliver(notices)
		return protocol.NewError(protocol.CodeUserBusy, "Someone is already in session")
	}

	now := b.nowFn()
	s := &session{
		id:             uuid.NewString(),
		a:              pr.from,
		b:              pr.to,
		createdAt:      now,
		lastActivityAt: now,
	}
	b.sessions.insert(s)
	fromUser.sessionID = s.id
	fromUser.peer = pr.to
	toUser.sessionID = s.id
	toUser.peer = pr.from
	b.metrics.setSessions(b.sessions.len())

	notices = append(notices,
		notice{fromUser.conn, protocol.Paired(pr.to, s.id)},
		notice{toUser.conn, protocol.Paired(pr.from, s.id)},
		notice{fromUser.conn, protocol.System("connection established", protocol.SystemConnectionEstablished)},
		notice{toUser.conn, protocol.System("connection established", protocol.SystemConnectionEstablished)},
	)
	b.mu.Unlock()

	b.deliver(notices)
	b.log.Info("session paired",
		zap.String("a", s.a),
		zap.String("b", s.b),
		zap.String("session_id", s.id))
	return nil
}

// reject handles connect_reject; only the request target may reject.
func (b *Broker) reject(conn Conn, requestID string) *protocol.Error {
	var notices []notice
	b.mu.Lock()
	sender := b.users.lookupConn(conn)
	if sender == nil {
		b.mu.Unlock()
		return errNotRegistered()
	}
	sender.lastSeenAt = b.nowFn()

	pr := b.requests.get(requestID)
	if pr == nil {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeRequestNotFound, "Request not found")
	}
	if pr.to != sender.nickname {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeRequestForbidden, "Not your request")
	}

	b.requests.remove(pr)
	b.metrics.setRequests(b.requests.len())
	if fromUser := b.users.lookup(pr.from); fromUser != nil {
		notices = append(notices, notice{fromUser.conn,
			protocol.ErrorFrame(protocol.NewError(protocol.CodeRequestRejected, pr.to+" rejected your request"))})
	}
	b.mu.Unlock()

	b.deliver(notices)
	b.log.Info("request rejected",
		zap.String("from", pr.from),
		zap.String("to", pr.to),
		zap.String("request_id", pr.id))
	return nil
}

// cancel handles connect_cancel; only the requester may cancel. Both the
// target (if still present) and the canceller are notified.
func (b *Broker) cancel(conn Conn, requestID string) *protocol.Error {
	var notices []notice
	b.mu.Lock()
	sender := b.users.lookupConn(conn)
	if sender == nil {
		b.mu.Unlock()
		return errNotRegistered()
	}
	sender.lastSeenAt = b.nowFn()

	pr := b.requests.get(requestID)
	if pr == nil {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeRequestNotFound, "Request not found")
	}
	if pr.from != sender.nickname {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeRequestForbidden, "Not your request")
	}

	b.requests.remove(pr)
	b.metrics.setRequests(b.requests.len())
	if toUser := b.users.lookup(pr.to); toUser != nil {
		notices = append(notices, notice{toUser.conn,
			protocol.ErrorFrame(protocol.NewError(protocol.CodeRequestCanceled, pr.from+" canceled request"))})
	}
	notices = append(notices, notice{sender.conn,
		protocol.ErrorFrame(protocol.NewError(protocol.CodeRequestCanceled, "Request canceled"))})
	b.mu.Unlock()

	b.deliver(notices)
	b.log.Info("request canceled",
		zap.String("from", pr.from),
		zap.String("to", pr.to),
		zap.String("request_id", pr.id))
	return nil
}

// relay handles message: validates membership and the trimmed length, then
// delivers the identical frame to both members, sender included, so the
// sender's client renders the server-confirmed echo. A dangling session
// reference is cleared before failing.
func (b *Broker) relay(conn Conn, text string) *protocol.Error {
	var notices []notice
	b.mu.Lock()
	sender := b.users.lookupConn(conn)
	if sender == nil {
		b.mu.Unlock()
		return errNotRegistered()
	}
	sender.lastSeenAt = b.nowFn()

	if !sender.busy() {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeNoSession, "Not in session")
	}
	trimmed := strings.TrimSpace(text)
	if n := utf8.RuneCountInString(trimmed); n < messageMinChars || n > messageMaxChars {
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeInvalidMessage, "Message length must be 1..2000")
	}

	s := b.sessions.get(sender.sessionID)
	if s == nil {
		// Stale reference: the record is gone, heal the sender and fail.
		sender.sessionID = ""
		sender.peer = ""
		b.mu.Unlock()
		return protocol.NewError(protocol.CodeSessionNotFound, "Session not found")
	}

	now := b.nowFn()
	s.lastActivityAt = now
	out := protocol.Chat(text, sender.nickname, now)
	for _, member := range s.members() {
		if u := b.users.lookup(member); u != nil {
			notices = append(notices, notice{u.conn, out})
		}
	}
	b.mu.Unlock()

	b.deliver(notices)
	b.metrics.recordRelay()
	return nil
}

// Leave handles an explicit leave: pending slots resolve first, then the
// session (if any) ends with reason user_leave after the peer gets a
// user_left notice, then the nickname is unregistered.
func (b *Broker) Leave(conn Conn) {
	var notices []notice
	b.mu.Lock()
	sender := b.users.lookupConn(conn)
	if sender == nil {
		b.mu.Unlock()
		return
	}

	notices = append(notices, b.resolvePendingLocked(sender)...)

	if s := b.sessions.get(sender.sessionID); s != nil {
		if peer := b.users.lookup(s.peerOf(sender.nickname)); peer != nil {
			notices = append(notices, notice{peer.conn,
				protocol.System(sender.nickname+" left", protocol.SystemUserLeft)})
		}
		notices = append(notices, b.endSessionLocked(s, protocol.ReasonUserLeave)...)
	} else {
		notices = append(notices, notice{sender.conn, protocol.SessionEnd(protocol.ReasonUserLeave)})
	}

	b.removeUserLocked(sender)
	b.mu.Unlock()

	b.deliver(notices)
	b.log.Info("user left", zap.String("nickname", sender.nickname))
}

// Disconnect runs the cleanup cascade for a lost connection. Safe to call
// for connections that never registered; runs the cascade at most once.
func (b *Broker) Disconnect(conn Conn) {
	var notices []notice
	b.mu.Lock()
	u := b.users.lookupConn(conn)
	if u == nil {
		b.mu.Unlock()
		return
	}

	notices = append(notices, b.resolvePendingLocked(u)...)

	if s := b.sessions.get(u.sessionID); s != nil {
		if peer := b.users.lookup(s.peerOf(u.nickname)); peer != nil {
			notices = append(notices, notice{peer.conn,
				protocol.System(u.nickname+" disconnected", protocol.SystemPeerDisconnected)})
		}
		notices = append(notices, b.endSessionLocked(s, protocol.ReasonPeerDisconnected)...)
	}

	b.removeUserLocked(u)
	b.mu.Unlock()

	b.deliver(notices)
	b.log.Info("user disconnected", zap.String("nickname", u.nickname))
}

// resolvePendingLocked drops a leaving user's pending slots. Slots are
// checked independently in both directions: the outgoing and the incoming
// slot may both hold a request. Runs before any session teardown so
// pending state is gone by the time the session ends. Callers hold b.mu.
func (b *Broker) resolvePendingLocked(u *user) []notice {
	var notices []notice

	if pr := b.requests.outgoing(u.nickname); pr != nil {
		b.requests.remove(pr)
		if target := b.users.lookup(pr.to); target != nil {
			notices = append(notices, notice{target.conn,
				protocol.ErrorFrame(protocol.NewError(protocol.CodeRequestCanceled, pr.from+" disconnected"))})
		}
	}
	if pr := b.requests.incoming(u.nickname); pr != nil {
		b.requests.remove(pr)
		if requester := b.users.lookup(pr.from); requester != nil {
			notices = append(notices, notice{requester.conn,
				protocol.ErrorFrame(protocol.NewError(protocol.CodeRequestCanceled, pr.to+" disconnected"))})
		}
	}

	b.metrics.setRequests(b.requests.len())
	return notices
}

// removeUserLocked is the cascade's final step: the nickname leaves the
// registry and becomes claimable again. Callers hold b.mu.
func (b *Broker) removeUserLocked(u *user) {
	b.users.unregister(u.nickname)
	b.metrics.setUsers(b.users.len())
}

// endSessionLocked ends a session idempotently: clears the reference on
// every member still registered, removes the record, and returns the
// session_end notices carrying the reason. Callers hold b.mu.
func (b *Broker) endSessionLocked(s *session, reason protocol.SessionEndReason) []notice {
	if b.sessions.get(s.id) == nil {
		return nil
	}

	var notices []notice
	for _, member := range s.members() {
		if u := b.users.lookup(member); u != nil {
			u.sessionID = ""
			u.peer = ""
			notices = append(notices, notice{u.conn, protocol.SessionEnd(reason)})
		}
	}
	b.sessions.remove(s.id)
	b.metrics.setSessions(b.sessions.len())
	b.metrics.recordSessionEnd(string(reason))
	b.log.Info("session ended",
		zap.String("session_id", s.id),
		zap.String("reason", string(reason)))
	return notices
}

// StartHousekeeping launches the periodic sweep that expires due requests
// and idle sessions. The sweep stops when ctx is cancelled; repeated calls
// are a no-op.
func (b *Broker) StartHousekeeping(ctx context.Context) {
	b.houseOnce.Do(func() {
		ticker := time.NewTicker(b.sweepInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					b.Sweep(b.nowFn())
				}
			}
		}()
	})
}

// Sweep performs one housekeeping pass at the given instant: requests past
// their TTL are removed (only the requester is notified) and sessions idle
// longer than the configured threshold end with reason timeout.
func (b *Broker) Sweep(now time.Time) {
	var notices []notice
	b.mu.Lock()

	expired := b.requests.expireDue(now)
	for _, pr := range expired {
		if requester := b.users.lookup(pr.from); requester != nil {
			notices = append(notices, notice{requester.conn,
				protocol.ErrorFrame(protocol.NewError(protocol.CodeRequestTimeout, "Request timed out"))})
		}
		b.log.Info("request expired",
			zap.String("from", pr.from),
			zap.String("to", pr.to),
			zap.String("request_id", pr.id))
	}
	b.metrics.setRequests(b.requests.len())
	b.metrics.recordExpiry(len(expired))

	for _, s := range b.sessions.idleSince(now.Add(-b.sessionIdleTimeout)) {
		notices = append(notices, b.endSessionLocked(s, protocol.ReasonTimeout)...)
	}
	b.mu.Unlock()

	b.deliver(notices)
}

func errNotRegistered() *protocol.Error {
	return protocol.NewError(protocol.CodeNotRegistered, "Send hello first")
}
