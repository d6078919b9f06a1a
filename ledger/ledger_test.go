package ledger_test

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/gdtp/ledger"
	"github.com/outofforest/gdtp/wire"
)

const step = time.Second

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

var dest = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7201}

func newLedger() (*ledger.Ledger, *clock) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	return ledger.New(ledger.Config{
		MaxAttempts: 3,
		RetryStep:   step,
		Now:         c.Now,
	}), c
}

func ids(records []ledger.Record) []int64 {
	res := make([]int64, 0, len(records))
	for _, r := range records {
		res = append(res, r.ID)
	}
	return res
}

func TestEnqueueValidation(t *testing.T) {
	requireT := require.New(t)

	l, _ := newLedger()

	requireT.False(l.Enqueue(wire.New(wire.Msg, "alice", "not-a-number", "hi").To(dest)))
	requireT.False(l.Enqueue(wire.New(wire.Msg, "alice").To(dest)))
	requireT.False(l.Enqueue(wire.New(wire.Msg, "alice", "1000", "hi")))
	requireT.Zero(l.Pending())
	requireT.Empty(l.DrainDue())

	requireT.True(l.Enqueue(wire.New(wire.Msg, "alice", "1000", "hi").To(dest)))
	requireT.Equal(1, l.Pending())
}

func TestRetryWithLinearBackoffUntilAbandoned(t *testing.T) {
	requireT := require.New(t)

	l, c := newLedger()
	msg := wire.New(wire.Msg, "alice", "1000", "hi").To(dest)
	requireT.True(l.Enqueue(msg))

	due := l.DrainDue()
	requireT.Len(due, 1)
	requireT.Equal(int64(1000), due[0].ID)
	requireT.Equal(msg, due[0].Message)
	requireT.Equal(1, due[0].Attempts)
	requireT.Equal(c.now.Add(step), due[0].NextRetryAt)

	requireT.Empty(l.DrainDue())

	c.Advance(step)
	due = l.DrainDue()
	requireT.Len(due, 1)
	requireT.Equal(2, due[0].Attempts)
	requireT.Equal(c.now.Add(2*step), due[0].NextRetryAt)

	c.Advance(step)
	requireT.Empty(l.DrainDue())

	c.Advance(step)
	due = l.DrainDue()
	requireT.Len(due, 1)
	requireT.Equal(3, due[0].Attempts)

	c.Advance(3 * step)
	requireT.Empty(l.DrainDue())
	requireT.Zero(l.Pending())

	c.Advance(time.Hour)
	requireT.Empty(l.DrainDue())
}

func TestAck(t *testing.T) {
	requireT := require.New(t)

	l, c := newLedger()
	requireT.True(l.Enqueue(wire.New(wire.Msg, "alice", "1000", "hi").To(dest)))
	requireT.True(l.Enqueue(wire.New(wire.Msg, "alice", "1001", "there").To(dest)))

	requireT.Equal([]int64{1000, 1001}, ids(l.DrainDue()))

	requireT.True(l.Ack(1000))
	requireT.False(l.Ack(1000))
	requireT.False(l.Ack(42))
	requireT.Equal(1, l.Pending())

	c.Advance(step)
	requireT.Equal([]int64{1001}, ids(l.DrainDue()))
}

func TestDrainReturnsCopies(t *testing.T) {
	requireT := require.New(t)

	l, c := newLedger()
	requireT.True(l.Enqueue(wire.New(wire.Msg, "alice", "1000", "hi").To(dest)))

	due := l.DrainDue()
	requireT.Len(due, 1)
	due[0].Attempts = 100
	due[0].NextRetryAt = time.Time{}

	requireT.Empty(l.DrainDue())
	c.Advance(step)
	due = l.DrainDue()
	requireT.Len(due, 1)
	requireT.Equal(2, due[0].Attempts)
}

func TestMailbox(t *testing.T) {
	requireT := require.New(t)

	l, _ := newLedger()

	requireT.Nil(l.Collect("alice"))

	m1 := wire.New(wire.Msg, "alice", "1", "hi")
	m2 := wire.New(wire.Msg, "alice", "2", "again")
	m3 := wire.New(wire.Msg, "bob", "3", "yo")
	l.Deliver("alice", m1)
	l.Deliver("bob", m3)
	l.Deliver("alice", m2)

	requireT.Equal([]string{"alice", "bob"}, l.Senders())
	requireT.Equal([]*wire.Message{m1, m2}, l.Collect("alice"))
	requireT.Nil(l.Collect("alice"))
	requireT.Equal([]string{"bob"}, l.Senders())

	l.Deliver("alice", m1)
	requireT.Equal([]*wire.Message{m1, m3}, l.CollectAll())
	requireT.Empty(l.Senders())
	requireT.Empty(l.CollectAll())
}

func TestConcurrentAccess(t *testing.T) {
	requireT := require.New(t)

	l := ledger.New(ledger.DefaultConfig())

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				id := int64(i*1000 + j)
				l.Enqueue(wire.New(wire.Msg, "alice", ledgerID(id), "hi").To(dest))
				l.DrainDue()
				l.Ack(id)
				l.Deliver("bob", wire.New(wire.Msg, "bob", ledgerID(id), "hi"))
			}
		}()
	}
	wg.Wait()

	requireT.Zero(l.Pending())
	requireT.Len(l.Collect("bob"), 800)
}

func ledgerID(id int64) string {
	return strconv.FormatInt(id, 10)
}
