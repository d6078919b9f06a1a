package market_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/gdtp/market"
)

func TestPostValidation(t *testing.T) {
	requireT := require.New(t)

	s := market.NewStore()

	_, err := s.Post("alice", "BOATS", "sail", "blue", "10")
	requireT.ErrorIs(err, market.ErrInvalidAnnounce)

	_, err = s.Post("alice", "MODE", "jacket", "red", "cheap")
	requireT.ErrorIs(err, market.ErrInvalidAnnounce)

	a, err := s.Post("alice", "mode", "jacket", "red", "12.5")
	requireT.NoError(err)
	requireT.Equal(market.Mode, a.Domain)
	requireT.Equal("alice", a.Owner)
	requireT.Equal([]string{a.ID, "MODE", "jacket", "red", "12.5"}, a.Fields())

	found, exists := s.Find(a.ID)
	requireT.True(exists)
	requireT.Equal(a, found)
}

func TestUpdate(t *testing.T) {
	requireT := require.New(t)

	s := market.NewStore()
	a, err := s.Post("alice", "MODE", "jacket", "red", "12.5")
	requireT.NoError(err)

	_, err = s.Update("bob", a.ID, market.Update{
		Domain:      market.Unchanged,
		Title:       "stolen",
		Description: market.Unchanged,
		Price:       market.Unchanged,
	})
	requireT.ErrorIs(err, market.ErrNotFound)

	_, err = s.Update("alice", a.ID, market.Update{
		Domain:      market.Unchanged,
		Title:       "coat",
		Description: market.Unchanged,
		Price:       "free",
	})
	requireT.ErrorIs(err, market.ErrInvalidAnnounce)

	found, _ := s.Find(a.ID)
	requireT.Equal("jacket", found.Title)

	updated, err := s.Update("alice", a.ID, market.Update{
		Domain:      "meuble",
		Title:       "coat",
		Description: market.Unchanged,
		Price:       "15",
	})
	requireT.NoError(err)
	requireT.Equal([]string{a.ID, "MEUBLE", "coat", "red", "15"}, updated.Fields())

	requireT.Empty(s.ByDomain(market.Mode))
	requireT.Equal([]market.Announce{updated}, s.ByDomain(market.Meuble))
}

func TestDeleteAndListings(t *testing.T) {
	requireT := require.New(t)

	s := market.NewStore()
	a1, err := s.Post("alice", "MODE", "jacket", "red", "12.5")
	requireT.NoError(err)
	a2, err := s.Post("bob", "MODE", "hat", "black", "3")
	requireT.NoError(err)
	a3, err := s.Post("alice", "LOISIR", "ball", "round", "1")
	requireT.NoError(err)

	requireT.Equal([]market.Announce{a1, a2}, s.ByDomain(market.Mode))
	requireT.Equal([]market.Announce{a1, a3}, s.ByOwner("alice"))
	requireT.Empty(s.ByDomain(market.Vehicule))

	requireT.ErrorIs(s.Delete("bob", a1.ID), market.ErrNotFound)
	requireT.NoError(s.Delete("alice", a1.ID))
	requireT.ErrorIs(s.Delete("alice", a1.ID), market.ErrNotFound)

	_, exists := s.Find(a1.ID)
	requireT.False(exists)
	requireT.Equal([]market.Announce{a3}, s.ByOwner("alice"))
}
