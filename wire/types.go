package wire

import (
	"net"
)

// TokenPrefix marks CONNECT argument carrying a token instead of a user name.
const TokenPrefix = "#"

// Kind is the protocol verb carried on the first line of a frame.
type Kind string

// Connection verbs.
const (
	Connect          Kind = "CONNECT"
	ConnectOK        Kind = "CONNECT_OK"
	ConnectNewUserOK Kind = "CONNECT_NEW_USER_OK"
	ConnectKO        Kind = "CONNECT_KO"
	ConnectNewUserKO Kind = "CONNECT_NEW_USER_KO"
	NotConnected     Kind = "NOT_CONNECTED"
	Disconnect       Kind = "DISCONNECT"
	UnknownRequest   Kind = "UNKNOWN_REQUEST"
)

// Announce verbs.
const (
	PostAnc         Kind = "POST_ANC"
	PostAncOK       Kind = "POST_ANC_OK"
	PostAncKO       Kind = "POST_ANC_KO"
	MajAnc          Kind = "MAJ_ANC"
	MajAncOK        Kind = "MAJ_ANC_OK"
	MajAncKO        Kind = "MAJ_ANC_KO"
	DeleteAnc       Kind = "DELETE_ANC"
	DeleteAncOK     Kind = "DELETE_ANC_OK"
	DeleteAncKO     Kind = "DELETE_ANC_KO"
	RequestDomain   Kind = "REQUEST_DOMAIN"
	SendDomainOK    Kind = "SEND_DOMAIN_OK"
	SendDomainKO    Kind = "SEND_DOMAIN_KO"
	RequestAnc      Kind = "REQUEST_ANC"
	SendAncOK       Kind = "SEND_ANC_OK"
	SendAncKO       Kind = "SEND_ANC_KO"
	RequestOwnAnc   Kind = "REQUEST_OWN_ANC"
	SendOwnAncOK    Kind = "SEND_OWN_ANC_OK"
	SendOwnAncKO    Kind = "SEND_OWN_ANC_KO"
	RequestIP       Kind = "REQUEST_IP"
	RequestIPOK     Kind = "REQUEST_IP_OK"
	RequestIPKO     Kind = "REQUEST_IP_KO"
)

// Peer verbs.
const (
	Msg    Kind = "MSG"
	MsgAck Kind = "MSG_ACK"
)

type replyPair struct {
	OK Kind
	KO Kind
}

var businessReplies = map[Kind]replyPair{
	PostAnc:       {OK: PostAncOK, KO: PostAncKO},
	MajAnc:        {OK: MajAncOK, KO: MajAncKO},
	DeleteAnc:     {OK: DeleteAncOK, KO: DeleteAncKO},
	RequestDomain: {OK: SendDomainOK, KO: SendDomainKO},
	RequestAnc:    {OK: SendAncOK, KO: SendAncKO},
	RequestOwnAnc: {OK: SendOwnAncOK, KO: SendOwnAncKO},
	RequestIP:     {OK: RequestIPOK, KO: RequestIPKO},
}

var kinds = func() map[Kind]struct{} {
	all := []Kind{
		Connect, ConnectOK, ConnectNewUserOK, ConnectKO, ConnectNewUserKO, NotConnected, Disconnect, UnknownRequest,
		Msg, MsgAck,
	}
	m := make(map[Kind]struct{}, len(all)+3*len(businessReplies))
	for _, k := range all {
		m[k] = struct{}{}
	}
	for k, r := range businessReplies {
		m[k] = struct{}{}
		m[r.OK] = struct{}{}
		m[r.KO] = struct{}{}
	}
	return m
}()

// Known reports whether k is a recognized verb.
func (k Kind) Known() bool {
	_, ok := kinds[k]
	return ok
}

// Business reports whether k is a request verb interpreted by the business handler.
func (k Kind) Business() bool {
	_, ok := businessReplies[k]
	return ok
}

// Replies returns the success and failure verbs answering business verb k.
func (k Kind) Replies() (Kind, Kind, bool) {
	r, ok := businessReplies[k]
	return r.OK, r.KO, ok
}

func (k Kind) String() string {
	return string(k)
}

// Message is one frame exchanged on either transport.
type Message struct {
	Kind Kind
	Args []string

	// Addr is the peer endpoint on the datagram transport: the destination
	// before send, the observed source after receipt. Unused on the stream.
	Addr *net.UDPAddr
}

// New creates message of kind k with arguments.
func New(k Kind, args ...string) *Message {
	if len(args) == 0 {
		args = nil
	}
	return &Message{Kind: k, Args: args}
}

// To returns a copy of the message addressed to addr.
func (m *Message) To(addr *net.UDPAddr) *Message {
	m2 := *m
	m2.Addr = addr
	return &m2
}

// Arg returns argument i or empty string if there are not enough arguments.
func (m *Message) Arg(i int) string {
	if i < 0 || i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}
