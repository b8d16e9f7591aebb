// Command chatsync-cli is a terminal client for the conversation engine,
// mainly useful for poking at a backend during development.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/chorebird/chatsync"
	"github.com/chorebird/chatsync/config"
	"github.com/chorebird/chatsync/directory"
	"github.com/chorebird/chatsync/transcript"
	"github.com/chorebird/chatsync/transport"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	token := flag.String("token", os.Getenv("CHATSYNC_TOKEN"), "session token")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	cfg.ConfigureLogging()

	if *token == "" {
		fmt.Fprintln(os.Stderr, "a session token is required (-token or CHATSYNC_TOKEN)")
		os.Exit(1)
	}

	session, err := chatsync.New(cfg, *token)
	if err != nil {
		fmt.Fprintln(os.Stderr, "session:", err)
		os.Exit(1)
	}
	defer session.Close()

	session.OnConnectionStatus(func(status transport.Status) {
		fmt.Printf("[channel %s]\n", status)
	})
	session.OnPeerPresence(func(peerID string, online bool) {
		state := "offline"
		if online {
			state = "online"
		}
		fmt.Printf("[%s is %s]\n", peerID, state)
	})
	session.OnPeerTyping(func(peerID string, isTyping bool) {
		if isTyping {
			fmt.Printf("[%s is typing...]\n", peerID)
		}
	})
	session.OnTranscriptChanged(func(conversationID string, entries []transcript.Entry) {
		selected, ok := session.SelectedConversation()
		if !ok || selected.ID != conversationID || len(entries) == 0 {
			return
		}
		printEntry(entries[len(entries)-1])
	})
	session.OnSendFailed(func(conversationID, tempID, text string) {
		fmt.Printf("[send failed, retry with /retry %s] %s\n", tempID, text)
	})

	fmt.Println("commands: /list, /open <id>, /new <peer-id> [name], /read, /retry <temp-id>, /quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			send(session, line)
			continue
		}
		fields := strings.Fields(line)
		switch fields[0] {
		case "/quit":
			return
		case "/list":
			for _, c := range session.Conversations() {
				marker := " "
				if selected, ok := session.SelectedConversation(); ok && selected.ID == c.ID {
					marker = "*"
				}
				preview := ""
				if c.LastMessage != nil {
					preview = c.LastMessage.Content
				}
				fmt.Printf("%s %-12s %-16s unread=%d  %s\n", marker, c.ID, c.Peer.Name, c.UnreadCount, preview)
			}
		case "/open":
			if len(fields) < 2 {
				fmt.Println("usage: /open <id>")
				continue
			}
			ctx, cancel := opCtx()
			err := session.SelectConversation(ctx, fields[1])
			cancel()
			if err != nil {
				fmt.Println("open:", err)
				continue
			}
			for _, e := range session.Transcript(fields[1]) {
				printEntry(e)
			}
		case "/new":
			if len(fields) < 2 {
				fmt.Println("usage: /new <peer-id> [name]")
				continue
			}
			peer := directory.Peer{ID: fields[1], Name: fields[1]}
			if len(fields) > 2 {
				peer.Name = strings.Join(fields[2:], " ")
			}
			ctx, cancel := opCtx()
			id, err := session.StartConversationWithPeer(ctx, peer)
			cancel()
			if err != nil {
				fmt.Println("new:", err)
				continue
			}
			fmt.Println("opened", id)
		case "/read":
			ctx, cancel := opCtx()
			if err := session.MarkRead(ctx); err != nil {
				fmt.Println("read:", err)
			}
			cancel()
		case "/retry":
			if len(fields) < 2 {
				fmt.Println("usage: /retry <temp-id>")
				continue
			}
			go func(tempID string) {
				ctx, cancel := opCtx()
				defer cancel()
				if _, err := session.RetrySend(ctx, tempID); err != nil {
					fmt.Println("retry:", err)
				}
			}(fields[1])
		default:
			fmt.Println("unknown command", fields[0])
		}
	}
	if err := scanner.Err(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err,
		}).Error("Input loop ended")
	}
}

func send(session *chatsync.Session, text string) {
	session.ComposerKeystroke()
	go func() {
		ctx, cancel := opCtx()
		defer cancel()
		if _, err := session.SendMessage(ctx, text); err != nil {
			fmt.Println("send:", err)
		}
	}()
}

func printEntry(e transcript.Entry) {
	who := e.SenderID
	if e.IsOwn {
		who = "me"
	}
	fmt.Printf("%s %-10s [%s] %s\n",
		e.CreatedAt.Local().Format("15:04"), who, e.Status, e.Content)
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 15*time.Second)
}
