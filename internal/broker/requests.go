package broker

import "time"

// pendingRequest is an unconfirmed offer from one nickname to another.
// It is destroyed by exactly one of: accept, reject, cancel, expiry, or
// either party's disconnect.
type pendingRequest struct {
	id        string
	from      string
	to        string
	createdAt time.Time
	expiresAt time.Time
}

// requestTable stores pending requests with reverse indices. The one-slot
// byFrom/byTo maps structurally enforce that a nickname holds at most one
// outgoing and at most one incoming request at any instant. No internal
// locking; the broker mutex guards every access.
type requestTable struct {
	byID   map[string]*pendingRequest
	byFrom map[string]string // from nickname -> request id
	byTo   map[string]string // to nickname -> request id
}

func newRequestTable() *requestTable {
	return &requestTable{
		byID:   make(map[string]*pendingRequest),
		byFrom: make(map[string]string),
		byTo:   make(map[string]string),
	}
}

func (t *requestTable) insert(pr *pendingRequest) {
	t.byID[pr.id] = pr
	t.byFrom[pr.from] = pr.id
	t.byTo[pr.to] = pr.id
}

func (t *requestTable) get(id string) *pendingRequest {
	return t.byID[id]
}

func (t *requestTable) hasOutgoing(nickname string) bool {
	_, ok := t.byFrom[nickname]
	return ok
}

func (t *requestTable) hasIncoming(nickname string) bool {
	_, ok := t.byTo[nickname]
	return ok
}

func (t *requestTable) outgoing(nickname string) *pendingRequest {
	id, ok := t.byFrom[nickname]
	if !ok {
		return nil
	}
	return t.byID[id]
}

func (t *requestTable) incoming(nickname string) *pendingRequest {
	id, ok := t.byTo[nickname]
	if !ok {
		return nil
	}
	return t.byID[id]
}

// remove deletes the request and both index entries.
func (t *requestTable) remove(pr *pendingRequest) {
	delete(t.byID, pr.id)
	delete(t.byFrom, pr.from)
	delete(t.byTo, pr.to)
}

// expireDue removes and returns every request whose expiry has passed.
func (t *requestTable) expireDue(now time.Time) []*pendingRequest {
	var expired []*pendingRequest
	for _, pr := range t.byID {
		if now.After(pr.expiresAt) {
			expired = append(expired, pr)
		}
	}
	for _, pr := range expired {
		t.remove(pr)
	}
	return expired
}

func (t *requestTable) len() int {
	return len(t.byID)
}
