// Command dmclient is a terminal client for the direct-message service.
//
// Usage:
//
//	dmclient -server http://localhost:8080 -user u1 -token <jwt> [-peer u2]
//	dmclient -server http://localhost:8080 -user u1 -secret <JWT_SECRET> [-peer u2]
//
// Lines typed on stdin are sent to the open chat. Commands:
//
//	/open <userId>   open (or create) the chat with userId
//	/chats           list chats
//	/who             list online users
//	/live <text>     send over the live connection instead of REST
//	/quit            exit
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/whisper/directchat/internal/agent"
	"github.com/whisper/directchat/internal/auth"
	"github.com/whisper/directchat/internal/logger"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	user := flag.String("user", "", "your user id")
	token := flag.String("token", os.Getenv("DM_TOKEN"), "bearer token (or DM_TOKEN)")
	secret := flag.String("secret", "", "sign a development token with this JWT secret instead of -token")
	peer := flag.String("peer", "", "open the chat with this user on start")
	level := flag.String("log", "warn", "log level")
	flag.Parse()

	logger.InitWriter(os.Stderr, *level)
	log := logger.Module("dmclient")

	if *user == "" {
		fmt.Fprintln(os.Stderr, "dmclient: -user is required")
		os.Exit(2)
	}
	if *token == "" && *secret != "" {
		t, err := auth.NewJWT(*secret).Sign(*user, "", 24*time.Hour)
		if err != nil {
			log.Fatal().Err(err).Msg("sign token")
		}
		*token = t
	}
	if *token == "" {
		fmt.Fprintln(os.Stderr, "dmclient: -token or -secret is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	client, err := agent.Dial(ctx, *server, *token, *user)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("connect")
	}
	defer client.Close()

	if err := client.Join(); err != nil {
		log.Fatal().Err(err).Msg("join")
	}
	if err := withTimeout(client.RefreshChats); err != nil {
		log.Warn().Err(err).Msg("load chats")
	}
	if *peer != "" {
		open(client, *peer)
	}

	typing := agent.NewTypingDebouncer(agent.TypingIdle, func(on bool) {
		if err := client.Typing(on); err != nil && !errors.Is(err, agent.ErrNoActiveChat) {
			log.Debug().Err(err).Msg("typing signal")
		}
	})

	go render(client)

	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-client.Done():
			fmt.Println("* connection closed")
			return
		case text := <-client.Failed():
			fmt.Printf("* not delivered, requeued: %s\n", text)
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handle(client, typing, strings.TrimSpace(line)) {
				return
			}
		}
	}
}

func withTimeout(fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx)
}

func open(client *agent.Client, peer string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := client.OpenChat(ctx, peer)
	if err != nil {
		fmt.Printf("* cannot open chat with %s: %v\n", peer, err)
		return
	}
	fmt.Printf("* chat %s with %s\n", c.ID, peer)
}

// handle runs one input line. It returns false to exit.
func handle(client *agent.Client, typing *agent.TypingDebouncer, line string) bool {
	switch {
	case line == "":
		typing.Input(true)
	case line == "/quit":
		return false
	case line == "/chats":
		for _, c := range client.State().Chats() {
			last := ""
			if c.LastMessage != nil {
				last = *c.LastMessage
			}
			fmt.Printf("  %s  %-12s %s\n", c.ID, c.Other(client.State().Self()), last)
		}
	case line == "/who":
		fmt.Printf("  online: %s\n", strings.Join(client.State().OnlineUsers(), ", "))
	case strings.HasPrefix(line, "/open "):
		open(client, strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
	case strings.HasPrefix(line, "/live "):
		typing.Stop()
		if err := client.SendLive(strings.TrimPrefix(line, "/live ")); err != nil {
			fmt.Printf("* send failed: %v\n", err)
		}
	default:
		typing.Input(false)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := client.Send(ctx, line)
		cancel()
		typing.Stop()
		var se *agent.SendError
		if errors.As(err, &se) {
			fmt.Printf("* send failed (%v), requeued: %s\n", se.Err, se.Text)
		} else if err != nil {
			fmt.Printf("* send failed: %v\n", err)
		}
	}
	return true
}

// render prints confirmed messages of the active chat once each, and typing
// changes of the other participant.
func render(client *agent.Client) {
	state := client.State()
	printed := make(map[string]bool)
	lastChat := ""
	wasTyping := false

	for range client.Updates() {
		active := state.ActiveChat()
		if active != lastChat {
			printed = make(map[string]bool)
			lastChat = active
			wasTyping = false
		}
		for _, e := range state.Messages() {
			if e.Pending || printed[e.Message.ID] {
				continue
			}
			printed[e.Message.ID] = true
			who := e.Message.SenderID
			if e.Message.Sender != nil && e.Message.Sender.Name != "" {
				who = e.Message.Sender.Name
			}
			fmt.Printf("[%s] %s: %s\n", e.Message.CreatedAt.Local().Format("15:04:05"), who, e.Message.Text)
		}
		if typing := state.IsOtherTyping(active); typing != wasTyping {
			wasTyping = typing
			if typing {
				fmt.Println("* typing...")
			}
		}
	}
}
