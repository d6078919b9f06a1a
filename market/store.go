package market

import (
	"cmp"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Domain is the category of an announce.
type Domain string

// Domains.
const (
	Autre      Domain = "AUTRE"
	Immobilier Domain = "IMMOBILIER"
	Logiciel   Domain = "LOGICIEL"
	Loisir     Domain = "LOISIR"
	Meuble     Domain = "MEUBLE"
	Mode       Domain = "MODE"
	Multimedia Domain = "MULTIMEDIA"
	Vehicule   Domain = "VEHICULE"
)

// Domains lists all the domains in the order they are reported to clients.
var Domains = []Domain{Autre, Immobilier, Logiciel, Loisir, Meuble, Mode, Multimedia, Vehicule}

// Unchanged is the field value meaning "keep the current value" in update requests.
const Unchanged = "null"

// ErrInvalidAnnounce is returned when announce fields are not acceptable.
var ErrInvalidAnnounce = errors.New("invalid announce")

// ErrNotFound is returned when announce does not exist or belongs to someone else.
var ErrNotFound = errors.New("announce not found")

// ParseDomain parses domain name, case is ignored.
func ParseDomain(s string) (Domain, error) {
	d := Domain(strings.ToUpper(s))
	if !slices.Contains(Domains, d) {
		return "", errors.Wrapf(ErrInvalidAnnounce, "unknown domain %q", s)
	}
	return d, nil
}

// Announce is an item offered by its owner.
type Announce struct {
	ID          string
	Domain      Domain
	Owner       string
	Title       string
	Description string
	Price       string

	seq uint64
}

// Fields returns the representation of announce used in listings.
func (a Announce) Fields() []string {
	return []string{a.ID, string(a.Domain), a.Title, a.Description, a.Price}
}

// Update carries new values of announce fields. Fields equal to Unchanged are not modified.
type Update struct {
	Domain      string
	Title       string
	Description string
	Price       string
}

// NewStore creates empty store.
func NewStore() *Store {
	return &Store{
		announces: map[string]Announce{},
	}
}

// Store keeps announces in memory. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	seq       uint64
	announces map[string]Announce
}

// Post adds new announce and returns it with the assigned id.
func (s *Store) Post(owner, domain, title, description, price string) (Announce, error) {
	d, err := ParseDomain(domain)
	if err != nil {
		return Announce{}, err
	}
	if err := validatePrice(price); err != nil {
		return Announce{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	a := Announce{
		ID:          strconv.FormatUint(s.seq, 10),
		Domain:      d,
		Owner:       owner,
		Title:       title,
		Description: description,
		Price:       price,
		seq:         s.seq,
	}
	s.announces[a.ID] = a
	return a, nil
}

// Update modifies announce owned by owner. Either all the fields are applied or none.
func (s *Store) Update(owner, id string, u Update) (Announce, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.announces[id]
	if !exists || a.Owner != owner {
		return Announce{}, errors.Wrapf(ErrNotFound, "announce %q", id)
	}

	if u.Domain != Unchanged {
		d, err := ParseDomain(u.Domain)
		if err != nil {
			return Announce{}, err
		}
		a.Domain = d
	}
	if u.Price != Unchanged {
		if err := validatePrice(u.Price); err != nil {
			return Announce{}, err
		}
		a.Price = u.Price
	}
	if u.Title != Unchanged {
		a.Title = u.Title
	}
	if u.Description != Unchanged {
		a.Description = u.Description
	}

	s.announces[id] = a
	return a, nil
}

// Delete removes announce owned by owner.
func (s *Store) Delete(owner, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.announces[id]
	if !exists || a.Owner != owner {
		return errors.Wrapf(ErrNotFound, "announce %q", id)
	}
	delete(s.announces, id)
	return nil
}

// Find returns announce by id.
func (s *Store) Find(id string) (Announce, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.announces[id]
	return a, exists
}

// ByDomain returns announces of the domain in the order they were posted.
func (s *Store) ByDomain(d Domain) []Announce {
	return s.list(func(a Announce) bool {
		return a.Domain == d
	})
}

// ByOwner returns announces of the owner in the order they were posted.
func (s *Store) ByOwner(owner string) []Announce {
	return s.list(func(a Announce) bool {
		return a.Owner == owner
	})
}

func (s *Store) list(predicate func(a Announce) bool) []Announce {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := lo.Filter(lo.Values(s.announces), func(a Announce, _ int) bool {
		return predicate(a)
	})
	slices.SortFunc(result, func(a, b Announce) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return result
}

func validatePrice(price string) error {
	if _, err := strconv.ParseFloat(price, 32); err != nil {
		return errors.Wrapf(ErrInvalidAnnounce, "price %q", price)
	}
	return nil
}
