package market_test

import (
	"net"
	"testing"

	"github.com/outofforest/qa"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/gdtp"
	"github.com/outofforest/gdtp/market"
	"github.com/outofforest/gdtp/wire"
)

func session(name, addr string) gdtp.Session {
	return gdtp.Session{
		Identity:   name,
		RemoteAddr: &net.TCPAddr{IP: net.ParseIP(addr), Port: 4000},
	}
}

func TestHandlerAnnounces(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := market.NewHandler(market.NewStore())
	alice := session("alice", "10.0.0.1")
	bob := session("bob", "10.0.0.2")

	ok, payload := h.Handle(ctx, alice, wire.New(wire.PostAnc, "MODE", "jacket"))
	requireT.False(ok)
	requireT.Empty(payload)

	ok, payload = h.Handle(ctx, alice, wire.New(wire.PostAnc, "MODE", "jacket", "red", "12.5"))
	requireT.True(ok)
	requireT.Len(payload, 1)
	id := payload[0]

	ok, payload = h.Handle(ctx, bob, wire.New(wire.RequestAnc, "mode"))
	requireT.True(ok)
	requireT.Equal([]string{id, "MODE", "jacket", "red", "12.5"}, payload)

	ok, _ = h.Handle(ctx, bob, wire.New(wire.RequestAnc, "BOATS"))
	requireT.False(ok)

	ok, _ = h.Handle(ctx, bob, wire.New(wire.MajAnc, id, "null", "mine", "null", "null"))
	requireT.False(ok)

	ok, payload = h.Handle(ctx, alice, wire.New(wire.MajAnc, id, "null", "coat", "null", "null"))
	requireT.True(ok)
	requireT.Equal([]string{id}, payload)

	ok, payload = h.Handle(ctx, alice, wire.New(wire.RequestOwnAnc))
	requireT.True(ok)
	requireT.Equal([]string{id, "MODE", "coat", "red", "12.5"}, payload)

	ok, payload = h.Handle(ctx, bob, wire.New(wire.RequestOwnAnc))
	requireT.True(ok)
	requireT.Empty(payload)

	ok, _ = h.Handle(ctx, bob, wire.New(wire.DeleteAnc, id))
	requireT.False(ok)

	ok, _ = h.Handle(ctx, alice, wire.New(wire.DeleteAnc, id))
	requireT.True(ok)

	ok, payload = h.Handle(ctx, bob, wire.New(wire.RequestAnc, "MODE"))
	requireT.True(ok)
	requireT.Empty(payload)
}

func TestHandlerDomains(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := market.NewHandler(market.NewStore())
	ok, payload := h.Handle(ctx, session("alice", "10.0.0.1"), wire.New(wire.RequestDomain))
	requireT.True(ok)
	requireT.Equal([]string{
		"AUTRE", "IMMOBILIER", "LOGICIEL", "LOISIR", "MEUBLE", "MODE", "MULTIMEDIA", "VEHICULE",
	}, payload)
}

func TestHandlerRequestIP(t *testing.T) {
	requireT := require.New(t)
	ctx := qa.NewContext(t)

	h := market.NewHandler(market.NewStore())
	alice := session("alice", "10.0.0.1")
	bob := session("bob", "10.0.0.2")

	ok, payload := h.Handle(ctx, alice, wire.New(wire.PostAnc, "LOISIR", "ball", "round", "1"))
	requireT.True(ok)
	id := payload[0]

	// Owner is not connected.
	ok, _ = h.Handle(ctx, bob, wire.New(wire.RequestIP, id))
	requireT.False(ok)

	h.SessionStarted(alice)
	ok, payload = h.Handle(ctx, bob, wire.New(wire.RequestIP, id))
	requireT.True(ok)
	requireT.Equal([]string{"10.0.0.1", "alice"}, payload)

	ok, _ = h.Handle(ctx, bob, wire.New(wire.RequestIP, "missing"))
	requireT.False(ok)

	second := session("alice", "10.0.0.3")
	h.SessionStarted(second)
	ip, online := h.IP("alice")
	requireT.True(online)
	requireT.Equal("10.0.0.3", ip)

	h.SessionEnded(second)
	_, online = h.IP("alice")
	requireT.True(online)

	h.SessionEnded(alice)
	_, online = h.IP("alice")
	requireT.False(online)

	ok, _ = h.Handle(ctx, bob, wire.New(wire.RequestIP, id))
	requireT.False(ok)
}
