package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"p2d/internal/core/domain"
	"p2d/pkg/validation"

	"github.com/jedib0t/go-pretty/v6/table"
)

var errQuit = errors.New("quit")

const consoleHelp = `commands:
  /peers            list peers and link quality
  /stats            ask peers for their link stats
  /bitrate KBPS     set the outbound video ceiling
  /control on|off   allow or block remote input (sharing side)
  /clip TEXT        send clipboard text
  /quit             leave the room
anything else is sent as chat`

// console reads commands from in until EOF, /quit or ctx ends.
func (s *session) console(ctx context.Context, in io.Reader) error {
	fmt.Fprintln(s.out, consoleHelp)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case line := <-lines:
			if err := s.execute(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
		}
	}
}

func (s *session) execute(ctx context.Context, line string) error {
	cmd, arg := trimCommand(line)
	switch cmd {
	case "":
		return nil
	case "/quit", "/exit":
		return errQuit
	case "/help":
		fmt.Fprintln(s.out, consoleHelp)
		return nil
	case "/peers":
		return s.printPeers(ctx)
	case "/stats":
		n, err := s.mesh.Broadcast(ctx, domain.CtlStatsRequest, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "stats requested from %d peers\n", n)
		return nil
	case "/bitrate":
		kbps, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("usage: /bitrate KBPS")
		}
		if err := validation.ValidateBitrate(kbps); err != nil {
			return err
		}
		return s.mesh.SetTargetBitrate(ctx, kbps)
	case "/control":
		if !s.sharing {
			return errors.New("remote control is set by the sharing side")
		}
		switch arg {
		case "on":
			s.remote.Set(true)
		case "off":
			s.remote.Set(false)
		default:
			return errors.New("usage: /control on|off")
		}
		fmt.Fprintf(s.out, "remote control %s\n", arg)
		return nil
	case "/clip":
		if arg == "" {
			return errors.New("usage: /clip TEXT")
		}
		_, err := s.mesh.Broadcast(ctx, domain.CtlClipboard, domain.Clipboard{Text: arg})
		return err
	default:
		msg, err := s.mesh.SendChat(ctx, s.name, line)
		if err != nil {
			return err
		}
		s.OnChat(domain.ParticipantID(msg.Sender), msg)
		return nil
	}
}

func (s *session) printPeers(ctx context.Context) error {
	peers, err := s.mesh.Peers(ctx)
	if err != nil {
		return err
	}
	renderPeers(s.out, peers, s.mesh.Sample)
	return nil
}

func renderPeers(out io.Writer, peers []domain.PeerConnectionRecord, sample func(domain.ParticipantID) (domain.BandwidthSample, bool)) {
	if len(peers) == 0 {
		fmt.Fprintln(out, "no peers")
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Peer", "Role", "State", "Quality", "RTT", "Loss", "In", "Out"})
	for _, p := range peers {
		row := table.Row{p.PeerID, p.Role, p.State, "-", "-", "-", "-", "-"}
		if s, ok := sample(p.PeerID); ok {
			row = table.Row{
				p.PeerID, p.Role, p.State, s.Quality,
				fmt.Sprintf("%.0f ms", s.RTTMs),
				fmt.Sprintf("%.1f%%", s.PacketLossPct),
				fmt.Sprintf("%.0f kbps", s.InboundKbps),
				fmt.Sprintf("%.0f kbps", s.OutboundKbps),
			}
		}
		t.AppendRow(row)
	}
	t.Render()
}
