package gdtp

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/outofforest/gdtp/wire"
)

// idSource issues logical ids derived from wall clock in milliseconds. Ids issued by one
// source are strictly increasing even within the same millisecond.
type idSource struct {
	mu   sync.Mutex
	last int64
}

func (s *idSource) Next(now time.Time) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := now.UnixMilli()
	if id <= s.last {
		id = s.last + 1
	}
	s.last = id
	return id
}

// chatMessage builds MSG frame carrying text, one argument per line.
func chatMessage(sender string, id int64, text string) *wire.Message {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	args := make([]string, 0, len(lines)+2)
	args = append(args, sender, strconv.FormatInt(id, 10))
	args = append(args, lines...)
	return wire.New(wire.Msg, args...)
}

// Text joins the lines of chat message received from a peer.
func Text(m *wire.Message) string {
	if m.Kind != wire.Msg || len(m.Args) < 3 {
		return ""
	}
	return strings.Join(m.Args[2:], "\n")
}
