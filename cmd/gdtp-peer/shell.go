package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/gdtp"
	"github.com/outofforest/gdtp/directory"
	"github.com/outofforest/gdtp/ledger"
	"github.com/outofforest/gdtp/market"
	"github.com/outofforest/gdtp/wire"
)

const fieldSeparator = ";"

const help = `Commands:
  domains                                   list domains
  ancs DOMAIN                               list announces of the domain
  own                                       list own announces
  post DOMAIN;TITLE;DESCRIPTION;PRICE       post announce
  update ID;DOMAIN;TITLE;DESCRIPTION;PRICE  update announce, empty field keeps the value
  delete ID                                 delete announce
  ip ID                                     show the owner of announce and its address
  send_msg_to NAME TEXT                     send message to known peer, \n breaks lines
  send_msg_for ID TEXT                      send message to the owner of announce
  peers                                     list known peers
  inbox                                     show received messages
  exit                                      disconnect and quit
`

type shell struct {
	client    *gdtp.Client
	messenger *gdtp.Messenger
	directory *directory.Directory
	ledger    *ledger.Ledger
	peerPort  int
	out       io.Writer
}

// Run executes commands until the input ends or exit is requested.
func (s *shell) Run(ctx context.Context, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if s.Execute(ctx, line) {
				return nil
			}
		}
	}
}

// Execute executes one command. It returns true if the shell should quit.
func (s *shell) Execute(ctx context.Context, line string) bool {
	command, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch command {
	case "":
	case "help":
		s.print(help)
	case "domains":
		err = s.call(ctx, func(payload []string) {
			s.print(strings.Join(payload, " ") + "\n")
		}, wire.RequestDomain)
	case "ancs":
		err = s.call(ctx, s.printAnnounces, wire.RequestAnc, rest)
	case "own":
		err = s.call(ctx, s.printAnnounces, wire.RequestOwnAnc)
	case "post":
		fields := strings.Split(rest, fieldSeparator)
		if len(fields) != 4 {
			err = errors.New("usage: post DOMAIN;TITLE;DESCRIPTION;PRICE")
			break
		}
		err = s.call(ctx, func(payload []string) {
			s.printf("Announce %s posted\n", strings.Join(payload, " "))
		}, wire.PostAnc, fields...)
	case "update":
		fields := strings.Split(rest, fieldSeparator)
		if len(fields) != 5 {
			err = errors.New("usage: update ID;DOMAIN;TITLE;DESCRIPTION;PRICE")
			break
		}
		fields = lo.Map(fields, func(f string, i int) string {
			if i > 0 && f == "" {
				return market.Unchanged
			}
			return f
		})
		err = s.call(ctx, func([]string) {
			s.printf("Announce %s updated\n", fields[0])
		}, wire.MajAnc, fields...)
	case "delete":
		err = s.call(ctx, func([]string) {
			s.printf("Announce %s deleted\n", rest)
		}, wire.DeleteAnc, rest)
	case "ip":
		var name string
		var addr *net.UDPAddr
		name, addr, err = s.contact(ctx, rest)
		if err == nil {
			s.printf("%s@%s\n", name, addr.IP)
		}
	case "send_msg_to":
		name, text, _ := strings.Cut(rest, " ")
		err = s.send(name, text)
	case "send_msg_for":
		id, text, _ := strings.Cut(rest, " ")
		var name string
		name, _, err = s.contact(ctx, id)
		if err == nil {
			err = s.send(name, text)
		}
	case "peers":
		s.print(strings.Join(s.directory.Peers(), "\n") + "\n")
	case "inbox":
		printInbox(s.out, s.ledger.CollectAll())
	case "exit":
		if err = s.client.Disconnect(); err != nil {
			s.printf("Error: %s\n", err)
		}
		return true
	default:
		err = errors.Errorf("unknown command %q, type help", command)
	}

	if err != nil {
		s.printf("Error: %s\n", err)
	}
	return false
}

func (s *shell) call(ctx context.Context, onSuccess func(payload []string), kind wire.Kind, args ...string) error {
	payload, err := s.client.Call(ctx, kind, args...)
	if err != nil {
		return err
	}
	onSuccess(payload)
	return nil
}

// contact asks the server for the owner of announce and learns its address.
func (s *shell) contact(ctx context.Context, id string) (string, *net.UDPAddr, error) {
	payload, err := s.client.Call(ctx, wire.RequestIP, id)
	if err != nil {
		return "", nil, err
	}
	if len(payload) != 2 {
		return "", nil, errors.Errorf("unexpected reply %v", payload)
	}

	ip := net.ParseIP(payload[0])
	if ip == nil {
		return "", nil, errors.Errorf("invalid address %q", payload[0])
	}
	addr := &net.UDPAddr{IP: ip, Port: s.peerPort}
	s.directory.AddOrRefresh(payload[1], addr)
	return payload[1], addr, nil
}

func (s *shell) send(name, text string) error {
	if name == "" || text == "" {
		return errors.New("recipient and text are required")
	}
	id, err := s.messenger.Post(name, strings.ReplaceAll(text, `\n`, "\n"))
	if err != nil {
		return err
	}
	s.printf("Message %d queued for %s\n", id, name)
	return nil
}

func (s *shell) printAnnounces(payload []string) {
	if len(payload) == 0 {
		s.print("No announces\n")
		return
	}
	for _, a := range lo.Chunk(payload, 5) {
		s.print(strings.Join(a, " | ") + "\n")
	}
}

func (s *shell) print(text string) {
	_, _ = io.WriteString(s.out, text)
}

func (s *shell) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(s.out, format, args...)
}

func printInbox(out io.Writer, msgs []*wire.Message) {
	for _, m := range msgs {
		_, _ = fmt.Fprintf(out, "[%s] %s\n", m.Arg(0), gdtp.Text(m))
	}
}
