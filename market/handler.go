package market

import (
	"context"
	"net"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/outofforest/gdtp"
	"github.com/outofforest/gdtp/wire"
	"github.com/outofforest/logger"
)

// NewHandler creates handler serving announce requests from the store.
func NewHandler(store *Store) *Handler {
	return &Handler{
		store:    store,
		presence: map[string]*presence{},
	}
}

type presence struct {
	ip       string
	sessions int
}

// Handler serves business requests of the marketplace. It tracks addresses of connected
// users so owners of announces may be contacted directly.
type Handler struct {
	store *Store

	mu       sync.Mutex
	presence map[string]*presence
}

var (
	_ gdtp.Handler         = &Handler{}
	_ gdtp.SessionObserver = &Handler{}
)

// SessionStarted records the address of connected user. The most recent connection wins.
func (h *Handler) SessionStarted(session gdtp.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.presence[session.Identity]
	if p == nil {
		p = &presence{}
		h.presence[session.Identity] = p
	}
	p.ip = hostIP(session.RemoteAddr)
	p.sessions++
}

// SessionEnded forgets the address once the last connection of the user is gone.
func (h *Handler) SessionEnded(session gdtp.Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.presence[session.Identity]
	if p == nil {
		return
	}
	p.sessions--
	if p.sessions <= 0 {
		delete(h.presence, session.Identity)
	}
}

// IP returns the address of connected user.
func (h *Handler) IP(name string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	p := h.presence[name]
	if p == nil {
		return "", false
	}
	return p.ip, true
}

// Handle handles the request.
func (h *Handler) Handle(ctx context.Context, session gdtp.Session, msg *wire.Message) (bool, []string) {
	log := logger.Get(ctx).With(zap.String("identity", session.Identity), zap.Stringer("kind", msg.Kind))

	switch msg.Kind {
	case wire.PostAnc:
		if len(msg.Args) != 4 {
			return false, nil
		}
		a, err := h.store.Post(session.Identity, msg.Args[0], msg.Args[1], msg.Args[2], msg.Args[3])
		if err != nil {
			log.Warn("Posting announce failed", zap.Error(err))
			return false, nil
		}
		log.Info("Announce posted", zap.String("id", a.ID))
		return true, []string{a.ID}
	case wire.MajAnc:
		if len(msg.Args) != 5 {
			return false, nil
		}
		a, err := h.store.Update(session.Identity, msg.Args[0], Update{
			Domain:      msg.Args[1],
			Title:       msg.Args[2],
			Description: msg.Args[3],
			Price:       msg.Args[4],
		})
		if err != nil {
			log.Warn("Updating announce failed", zap.Error(err))
			return false, nil
		}
		log.Info("Announce updated", zap.String("id", a.ID))
		return true, []string{a.ID}
	case wire.DeleteAnc:
		if len(msg.Args) != 1 {
			return false, nil
		}
		if err := h.store.Delete(session.Identity, msg.Args[0]); err != nil {
			log.Warn("Deleting announce failed", zap.Error(err))
			return false, nil
		}
		log.Info("Announce deleted", zap.String("id", msg.Args[0]))
		return true, nil
	case wire.RequestDomain:
		return true, lo.Map(Domains, func(d Domain, _ int) string {
			return string(d)
		})
	case wire.RequestAnc:
		if len(msg.Args) != 1 {
			return false, nil
		}
		d, err := ParseDomain(msg.Args[0])
		if err != nil {
			log.Warn("Listing announces failed", zap.Error(err))
			return false, nil
		}
		return true, listing(h.store.ByDomain(d))
	case wire.RequestOwnAnc:
		return true, listing(h.store.ByOwner(session.Identity))
	case wire.RequestIP:
		if len(msg.Args) != 1 {
			return false, nil
		}
		a, exists := h.store.Find(msg.Args[0])
		if !exists {
			log.Warn("Announce does not exist", zap.String("id", msg.Args[0]))
			return false, nil
		}
		ip, online := h.IP(a.Owner)
		if !online {
			log.Debug("Owner is offline", zap.String("owner", a.Owner))
			return false, nil
		}
		return true, []string{ip, a.Owner}
	default:
		log.Warn("Unsupported request")
		return false, nil
	}
}

func listing(announces []Announce) []string {
	return lo.FlatMap(announces, func(a Announce, _ int) []string {
		return a.Fields()
	})
}

func hostIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
