package gdtp_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/gdtp"
	"github.com/outofforest/gdtp/identity"
	"github.com/outofforest/gdtp/market"
	"github.com/outofforest/gdtp/wire"
	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
)

func TestMarketplaceAndChat(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	ls, err := net.Listen("tcp", "127.0.0.1:0")
	requireT.NoError(err)

	group.Spawn("server", parallel.Fail, func(ctx context.Context) error {
		return gdtp.RunServer(ctx, ls, gdtp.ServerConfig{
			Identity: identity.New(),
			Handler:  market.NewHandler(market.NewStore()),
		})
	})

	clientConfig := gdtp.ClientConfig{
		Server: ls.Addr().String(),
	}

	aliceClient, _ := startClient(ctx, requireT, group, clientConfig)
	bobClient, _ := startClient(ctx, requireT, group, clientConfig)

	aliceCreds, err := aliceClient.Connect(ctx, "alice")
	requireT.NoError(err)
	requireT.True(aliceCreds.NewUser)

	_, err = bobClient.Connect(ctx, "bob")
	requireT.NoError(err)

	payload, err := aliceClient.Call(ctx, wire.PostAnc, "vehicule", "bike", "red, barely used", "150")
	requireT.NoError(err)
	requireT.Len(payload, 1)
	announceID := payload[0]

	_, err = aliceClient.Call(ctx, wire.PostAnc, "VEHICULE", "bike", "red", "cheap")
	requireT.ErrorIs(err, gdtp.ErrRejected)

	domains, err := bobClient.Call(ctx, wire.RequestDomain)
	requireT.NoError(err)
	requireT.Contains(domains, "VEHICULE")

	listing, err := bobClient.Call(ctx, wire.RequestAnc, "VEHICULE")
	requireT.NoError(err)
	requireT.Equal([]string{announceID, "VEHICULE", "bike", "red, barely used", "150"}, listing)

	_, err = bobClient.Call(ctx, wire.MajAnc, announceID, "null", "stolen", "null", "null")
	requireT.ErrorIs(err, gdtp.ErrRejected)

	owner, err := bobClient.Call(ctx, wire.RequestIP, announceID)
	requireT.NoError(err)
	requireT.Equal([]string{"127.0.0.1", "alice"}, owner)

	// Peers exchange messages directly using the address learnt from the server.
	alice := startPeer(requireT, group, "alice", fastLedger(), gdtp.MessengerConfig{})
	bob := startPeer(requireT, group, "bob", fastLedger(), gdtp.MessengerConfig{})

	requireT.True(bob.Directory.AddOrRefresh(owner[1], &net.UDPAddr{
		IP:   net.ParseIP(owner[0]),
		Port: alice.Addr.Port,
	}))

	_, err = bob.Messenger.Post("alice", "is the bike\nstill available?")
	requireT.NoError(err)

	requireT.Eventually(func() bool {
		return len(alice.Ledger.Senders()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	inbox := alice.Ledger.CollectAll()
	requireT.NotEmpty(inbox)
	requireT.Equal("is the bike\nstill available?", gdtp.Text(inbox[0]))

	_, err = alice.Messenger.Post("bob", "yes")
	requireT.NoError(err)

	requireT.Eventually(func() bool {
		return len(bob.Ledger.Collect("alice")) > 0
	}, 5*time.Second, 10*time.Millisecond)

	requireT.NoError(aliceClient.Disconnect())
	requireT.Eventually(func() bool {
		_, err := bobClient.Call(ctx, wire.RequestIP, announceID)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)
}
