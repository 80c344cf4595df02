package broker

import "time"

// session is a confirmed pairing of two distinct nicknames. Members hold
// the session id back on their user records while the session is alive.
type session struct {
	id             string
	a              string
	b              string
	createdAt      time.Time
	lastActivityAt time.Time
}

// peerOf returns the other member's nickname, or "" for non-members.
func (s *session) peerOf(nickname string) string {
	switch nickname {
	case s.a:
		return s.b
	case s.b:
		return s.a
	default:
		return ""
	}
}

func (s *session) members() [2]string {
	return [2]string{s.a, s.b}
}

// sessionTable stores active sessions by id. No internal locking; the
// broker mutex guards every access.
type sessionTable struct {
	byID map[string]*session
}

func newSessionTable() *sessionTable {
	return &sessionTable{byID: make(map[string]*session)}
}

func (t *sessionTable) insert(s *session) {
	t.byID[s.id] = s
}

func (t *sessionTable) get(id string) *session {
	return t.byID[id]
}

func (t *sessionTable) remove(id string) {
	delete(t.byID, id)
}

// idleSince returns the sessions whose last activity predates the cutoff.
func (t *sessionTable) idleSince(cutoff time.Time) []*session {
	var idle []*session
	for _, s := range t.byID {
		if s.lastActivityAt.Before(cutoff) {
			idle = append(idle, s)
		}
	}
	return idle
}

func (t *sessionTable) len() int {
	return len(t.byID)
}
