package broker

import (
	"regexp"
	"strings"
	"time"

	"github.com/lgbtaye777/ephemerium-chat/internal/protocol"
)

const (
	nicknameMinLen = 2
	nicknameMaxLen = 20
)

var nicknamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// user is one registered participant. The connection handle is owned by
// the transport; the broker only addresses frames to it.
type user struct {
	id         string // identity token returned in hello_ok
	nickname   string
	conn       Conn
	sessionID  string // active chat session, empty when not paired
	peer       string // peer nickname while paired
	lastSeenAt time.Time
}

// busy reports whether the user is paired into a session.
func (u *user) busy() bool {
	return u.sessionID != ""
}

// validateNickname checks the trimmed nickname against length and charset
// rules. Matching is case-sensitive throughout.
func validateNickname(nickname string) *protocol.Error {
	n := strings.TrimSpace(nickname)
	if len(n) < nicknameMinLen || len(n) > nicknameMaxLen {
		return protocol.NewError(protocol.CodeInvalidNickname, "Nickname length must be 2..20")
	}
	if !nicknamePattern.MatchString(n) {
		return protocol.NewError(protocol.CodeInvalidNickname, "Nickname must match ^[a-zA-Z0-9_-]+$")
	}
	return nil
}

// userTable maps nicknames to users and connections back to nicknames.
// It does no locking of its own: the broker mutex guards every access so
// compound operations stay atomic.
type userTable struct {
	byNick map[string]*user
	byConn map[Conn]string
}

func newUserTable() *userTable {
	return &userTable{
		byNick: make(map[string]*user),
		byConn: make(map[Conn]string),
	}
}

func (t *userTable) register(u *user) {
	t.byNick[u.nickname] = u
	t.byConn[u.conn] = u.nickname
}

func (t *userTable) lookup(nickname string) *user {
	return t.byNick[nickname]
}

func (t *userTable) lookupConn(conn Conn) *user {
	nick, ok := t.byConn[conn]
	if !ok {
		return nil
	}
	return t.byNick[nick]
}

// unregister removes the user; it is a no-op for unknown nicknames.
func (t *userTable) unregister(nickname string) {
	u, ok := t.byNick[nickname]
	if !ok {
		return
	}
	delete(t.byNick, nickname)
	delete(t.byConn, u.conn)
}

func (t *userTable) len() int {
	return len(t.byNick)
}
