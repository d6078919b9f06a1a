package ledger

import (
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/gdtp/metrics"
	"github.com/outofforest/gdtp/wire"
)

// Config is the config of ledger.
type Config struct {
	// MaxAttempts is the number of transmissions after which delivery is abandoned.
	MaxAttempts int

	// RetryStep is the linear backoff unit: after n-th transmission the next one is
	// due n*RetryStep later.
	RetryStep time.Duration

	// Now returns current time, time.Now is used if nil.
	Now func() time.Time
}

// DefaultConfig returns default ledger config.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		RetryStep:   time.Second,
		Now:         time.Now,
	}
}

// Record is a delivery waiting for acknowledgment.
type Record struct {
	ID          int64
	Message     *wire.Message
	Attempts    int
	NextRetryAt time.Time
}

// Ledger keeps deliveries waiting for acknowledgment and mailboxes of received messages.
type Ledger struct {
	config Config

	mu        sync.Mutex
	pending   map[int64]*Record
	mailboxes map[string][]*wire.Message
}

// New creates ledger.
func New(config Config) *Ledger {
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &Ledger{
		config:    config,
		pending:   map[int64]*Record{},
		mailboxes: map[string][]*wire.Message{},
	}
}

// ParseID parses logical id carried as the second argument of MSG and MSG_ACK.
func ParseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing logical id %q", s)
	}
	return id, nil
}

// Enqueue queues message for delivery. Message must carry sender as the first argument
// and logical id as the second one, and must be addressed. Record with the same id is
// replaced.
func (l *Ledger) Enqueue(m *wire.Message) bool {
	if len(m.Args) < 2 || m.Addr == nil {
		return false
	}
	id, err := ParseID(m.Args[1])
	if err != nil {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending[id] = &Record{
		ID:          id,
		Message:     m,
		NextRetryAt: l.config.Now(),
	}
	metrics.LedgerPending.Set(float64(len(l.pending)))
	return true
}

// DrainDue returns copies of records due for transmission and marks them as transmitted.
// Records due after their last attempt are removed instead of being returned.
func (l *Ledger) DrainDue() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.config.Now()
	var due []Record
	for id, r := range l.pending {
		if r.NextRetryAt.After(now) {
			continue
		}
		if r.Attempts >= l.config.MaxAttempts {
			delete(l.pending, id)
			metrics.LedgerAbandoned.Inc()
			continue
		}

		r.Attempts++
		r.NextRetryAt = now.Add(time.Duration(r.Attempts) * l.config.RetryStep)
		due = append(due, *r)
	}
	metrics.LedgerPending.Set(float64(len(l.pending)))
	metrics.LedgerTransmissions.Add(float64(len(due)))

	sort.Slice(due, func(i, j int) bool {
		return due[i].ID < due[j].ID
	})
	return due
}

// Ack removes the record. It returns false if there was nothing to remove.
func (l *Ledger) Ack(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.pending[id]; !exists {
		return false
	}
	delete(l.pending, id)
	metrics.LedgerPending.Set(float64(len(l.pending)))
	metrics.LedgerAcked.Inc()
	return true
}

// Pending returns the number of deliveries waiting for acknowledgment.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.pending)
}

// Deliver appends received message to the mailbox of sender.
func (l *Ledger) Deliver(sender string, m *wire.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.mailboxes[sender] = append(l.mailboxes[sender], m)
	metrics.MailboxReceived.Inc()
}

// Collect removes and returns everything received from sender.
func (l *Ledger) Collect(sender string) []*wire.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	msgs := l.mailboxes[sender]
	delete(l.mailboxes, sender)
	return msgs
}

// CollectAll removes and returns everything received, grouped by sender in sender order.
func (l *Ledger) CollectAll() []*wire.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	senders := lo.Keys(l.mailboxes)
	sort.Strings(senders)

	var msgs []*wire.Message
	for _, s := range senders {
		msgs = append(msgs, l.mailboxes[s]...)
	}
	l.mailboxes = map[string][]*wire.Message{}
	return msgs
}

// Senders returns sorted identities having messages waiting in the mailbox.
func (l *Ledger) Senders() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	senders := lo.Keys(l.mailboxes)
	sort.Strings(senders)
	return senders
}
