package fanout

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// subscriber states: connected -> subscribed -> disconnected.
type subscriber struct {
	conn       *websocket.Conn
	sendCh     chan []byte
	done       chan struct{}
	subscribed atomic.Bool
	closed     atomic.Bool
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	return &subscriber{
		conn:   conn,
		sendCh: make(chan []byte, 16),
		done:   make(chan struct{}),
	}
}

// markSubscribed transitions connected -> subscribed exactly once.
func (s *subscriber) markSubscribed() bool {
	return s.subscribed.CompareAndSwap(false, true)
}

func (s *subscriber) isSubscribed() bool { return s.subscribed.Load() }

func (s *subscriber) enqueue(msg []byte) error {
	if s.closed.Load() {
		return errors.New("subscriber closed")
	}
	select {
	case s.sendCh <- msg:
		return nil
	default:
		return errors.New("subscriber send queue full")
	}
}

func (s *subscriber) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.sendCh:
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				// The read loop observes the broken connection and
				// runs the disconnect path; nothing more to do here.
				return
			}
		}
	}
}

// close transitions to disconnected; returns false when already done.
func (s *subscriber) close() bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	close(s.done)
	_ = s.conn.Close()
	return true
}

type subscriberSet struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{subs: make(map[*subscriber]struct{})}
}

func (ss *subscriberSet) add(s *subscriber) {
	ss.mu.Lock()
	ss.subs[s] = struct{}{}
	ss.mu.Unlock()
}

func (ss *subscriberSet) remove(s *subscriber) {
	ss.mu.Lock()
	delete(ss.subs, s)
	ss.mu.Unlock()
}

// snapshot copies the set so delivery paths can iterate while
// connect/disconnect events mutate membership.
func (ss *subscriberSet) snapshot() []*subscriber {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]*subscriber, 0, len(ss.subs))
	for s := range ss.subs {
		out = append(out, s)
	}
	return out
}

func (ss *subscriberSet) count() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.subs)
}
