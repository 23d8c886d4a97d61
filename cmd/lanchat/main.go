// Package main is a terminal client for the LAN chat.
//
// It announces itself under -name, connects to every peer it discovers and
// sends each line read from stdin to all of them. "/send <path>" shares a
// file with everyone, "/peers" lists the peer table and "/quit" exits.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/lanchat"
	"github.com/opd-ai/lanchat/file"
	"github.com/opd-ai/lanchat/messaging"
	"github.com/opd-ai/lanchat/peer"
	"github.com/opd-ai/lanchat/transport"
)

func main() {
	loadEnv(".env")
	config, err := parseCLIFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}
	if err := setupLogging(config); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, os.Stdin, os.Stdout); err != nil {
		logrus.WithError(err).Fatal("lanchat exited")
	}
}

func run(ctx context.Context, config *CLIConfig, in io.Reader, out io.Writer) error {
	opts := lanchat.NewOptions()
	opts.File.Dir = config.downloadDir
	opts.AutoDownload = !config.noAuto

	node, err := lanchat.New(opts)
	if err != nil {
		return err
	}
	node.SetSelf(config.name, config.avatar)

	c := &client{node: node, out: out}
	node.OnPeerAdded(c.peerAdded)
	node.OnPeerRemoved(func(rec peer.Record) {
		c.printf("* %s left\n", rec.Identity.Name)
	})
	node.SubscribeMessages(uuid.Nil, c.message)
	node.SubscribeFileTasks(uuid.Nil, c.task)

	if err := node.Start(); err != nil {
		return err
	}
	defer node.Stop()
	c.printf("* %s listening on port %d\n", config.name, node.Port())

	if config.debugAddr != "" {
		srv := &http.Server{
			Addr:              config.debugAddr,
			Handler:           newDebugRouter(node),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"addr":     config.debugAddr,
					"error":    err.Error(),
				}).Error("Debug endpoint failed")
			}
		}()
		defer srv.Close()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || strings.TrimSpace(line) == "/quit" {
				return nil
			}
			c.command(line)
		}
	}
}

type client struct {
	node *lanchat.Node
	out  io.Writer
}

func (c *client) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *client) peerAdded(rec peer.Record) {
	c.printf("* %s joined from %s\n", rec.Identity.Name, rec.Addr())
	// Presence callbacks must not block on a dial.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), transport.DefaultDialTimeout)
		defer cancel()
		if _, err := c.node.ConnectContext(ctx, rec); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "peerAdded",
				"peer":     rec.String(),
				"error":    err.Error(),
			}).Warn("Auto connect failed")
		}
	}()
}

func (c *client) message(ev transport.Event) {
	m := ev.Message
	switch {
	case ev.Kind == transport.EventUpdated && m.Mine && m.State == messaging.StateFailed:
		c.printf("! not delivered to %s: %s\n", ev.PeerID, m.ID)
	case ev.Kind != transport.EventNew || m.Mine:
	case m.File != nil:
		c.printf("<%s> shared %s (%d bytes)\n", m.Sender.Name, m.File.Name, m.File.Size)
	default:
		c.printf("<%s> %s\n", m.Sender.Name, m.Text)
	}
}

func (c *client) task(t file.Task) {
	if !t.Key.Download {
		return
	}
	switch {
	case t.Done:
		c.printf("* %s saved to %s\n", t.Name, t.Path)
	case t.Failed(), t.Canceled():
		c.printf("* %s %s\n", t.Name, t.Status())
	}
}

func (c *client) command(line string) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/peers":
		for _, rec := range c.node.Peers() {
			connected := c.node.FindChatSession(rec.Identity.ID) != nil
			c.printf("  %s %s connected=%t\n", rec.Identity.Name, rec.Addr(), connected)
		}
	case strings.HasPrefix(line, "/send "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/send "))
		for _, rec := range c.connected() {
			if _, err := c.node.SendFile(rec.Identity.ID, path); err != nil {
				c.printf("! %s: %v\n", rec.Identity.Name, err)
			}
		}
	default:
		for _, rec := range c.connected() {
			if err := c.node.SendMessage(rec.Identity.ID, messaging.NewText(line)); err != nil {
				c.printf("! %s: %v\n", rec.Identity.Name, err)
			}
		}
	}
}

// connected returns the discovered peers that have a chat session.
func (c *client) connected() []peer.Record {
	var out []peer.Record
	for _, rec := range c.node.Peers() {
		if c.node.FindChatSession(rec.Identity.ID) != nil {
			out = append(out, rec)
		}
	}
	return out
}
