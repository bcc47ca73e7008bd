package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/eleven-am/roomhub/client"
	"github.com/eleven-am/roomhub/hub"
	"github.com/eleven-am/roomhub/hub/distributed"
	"github.com/eleven-am/roomhub/internal/config"
)

var (
	system   = color.New(color.FgHiBlack)
	presence = color.New(color.FgCyan)
	incoming = color.New(color.FgGreen)
	status   = color.New(color.FgYellow)
	failure  = color.New(color.FgRed)
)

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 && (os.Args[1] == "issue" || os.Args[1] == "revoke") {
		tokens(cfg, os.Args[1], os.Args[2:])
		return
	}

	url := flag.String("url", cfg.HubURL, "Hub base URL")
	token := flag.String("token", os.Getenv("HUB_TOKEN"), "Bearer token")
	uid := flag.String("uid", "", "Identity hint, when the hub accepts them")
	sync := flag.Bool("sync", false, "Wait for the first recipient to acknowledge each message")
	verbose := flag.Bool("v", false, "Log connection state changes")
	flag.Parse()

	rooms := flag.Args()
	if len(rooms) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: roomhub-cli [-url <hub>] [-token <token> | -uid <id>] [-sync] <room> [room...]")
		fmt.Fprintln(os.Stderr, "       roomhub-cli issue -subject <id> [-ttl 24h] [-token <token>]")
		fmt.Fprintln(os.Stderr, "       roomhub-cli revoke -token <token>")
		fmt.Fprintln(os.Stderr, "  Lines read from stdin go to the first room; /join, /leave and /to <room> <text> switch rooms")
		os.Exit(1)
	}

	logger := zerolog.Nop()
	if *verbose {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	}

	c, err := client.New(*url, client.Credential{Token: *token, UID: *uid}, cfg.ClientConfig(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid hub URL: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err = c.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Connect failed: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	info := c.Info()
	system.Printf("connected as %s (%s) over %s\n", info.Identity, info.Trust, info.Transport)

	for _, room := range rooms {
		members, err := c.Join(ctx, room)
		if err != nil {
			failure.Printf("join %s: %v\n", room, err)
			continue
		}
		system.Printf("joined %s with %s\n", room, strings.Join(members, ", "))
	}

	go printEvents(c, *verbose)
	go readInput(ctx, c, rooms[0], *sync)

	select {
	case <-ctx.Done():
	case <-c.Done():
		if err := c.Err(); err != nil {
			failure.Printf("connection lost: %v\n", err)
			os.Exit(1)
		}
	}
}

func printEvents(c *client.Client, verbose bool) {
	states := c.States()

	for {
		select {
		case ev := <-c.Events():
			printEvent(ev)
		case s := <-states:
			if verbose {
				system.Printf("state %s\n", s)
			}
		case <-c.Done():
			return
		}
	}
}

func printEvent(ev hub.Event) {
	switch ev.Kind {
	case hub.KindMessage:
		var msg hub.MessagePayload
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			return
		}
		incoming.Printf("[%s] %s: %s\n", ev.Room, msg.Sender, text(msg.Payload))
	case hub.KindPresenceJoined, hub.KindPresenceLeft:
		var p hub.PresenceEvent
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return
		}
		presence.Printf("[%s] %s %s\n", ev.Room, p.Identity, p.Kind)
	case hub.KindDeliveryStatus:
		var s hub.DeliveryStatus
		if err := json.Unmarshal(ev.Payload, &s); err != nil {
			return
		}
		if s.State == hub.AckAcked {
			status.Printf("[%s] delivered to %s\n", ev.Room, s.Identity)
		} else {
			status.Printf("[%s] %s for %s after %d attempts\n", ev.Room, s.State, s.Identity, s.Attempts)
		}
	default:
		system.Printf("%s %s\n", ev.Kind, string(ev.Payload))
	}
}

func text(payload json.RawMessage) string {
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return string(payload)
}

func readInput(ctx context.Context, c *client.Client, room string, sync bool) {
	scanner := bufio.NewScanner(os.Stdin)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		target, body := room, line
		switch {
		case strings.HasPrefix(line, "/join "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "/join "))
			if _, err := c.Join(ctx, name); err != nil {
				failure.Printf("join %s: %v\n", name, err)
				continue
			}
			room = name
			system.Printf("now talking in %s\n", room)
			continue
		case strings.HasPrefix(line, "/leave "):
			name := strings.TrimSpace(strings.TrimPrefix(line, "/leave "))
			if _, err := c.Leave(ctx, name); err != nil {
				failure.Printf("leave %s: %v\n", name, err)
			}
			continue
		case strings.HasPrefix(line, "/to "):
			parts := strings.SplitN(strings.TrimPrefix(line, "/to "), " ", 2)
			if len(parts) != 2 {
				failure.Println("usage: /to <room> <text>")
				continue
			}
			target, body = parts[0], parts[1]
		}

		reply, err := c.Send(ctx, target, body, sync)
		if err != nil {
			failure.Printf("send %s: %v\n", target, err)
			continue
		}
		if sync && reply.Confirmed != nil && *reply.Confirmed {
			status.Printf("[%s] confirmed %s\n", target, reply.DeliveryID)
		}
	}
}

// tokens manages credentials in the Redis token store the hub verifies against.
func tokens(cfg *config.Config, command string, args []string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	token := fs.String("token", "", "Token to issue or revoke (generated when issuing without one)")
	subject := fs.String("subject", "", "Identity the token resolves to")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	_ = fs.Parse(args)

	if cfg.RedisURL == "" {
		fmt.Fprintln(os.Stderr, "REDIS_URL is required to manage tokens")
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb, err := distributed.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Redis connection failed: %v\n", err)
		os.Exit(1)
	}
	defer rdb.Close()

	verifier := distributed.NewRedisVerifier(rdb, distributed.DefaultTokenPrefix)

	switch command {
	case "issue":
		if *subject == "" {
			fmt.Fprintln(os.Stderr, "Usage: roomhub-cli issue -subject <id> [-ttl 24h] [-token <token>]")
			os.Exit(1)
		}
		if *token == "" {
			*token = distributed.NewToken()
		}
		if err = verifier.Issue(ctx, *token, *subject, *ttl); err != nil {
			fmt.Fprintf(os.Stderr, "Issue failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(*token)
	case "revoke":
		if *token == "" {
			fmt.Fprintln(os.Stderr, "Usage: roomhub-cli revoke -token <token>")
			os.Exit(1)
		}
		if err = verifier.Revoke(ctx, *token); err != nil {
			fmt.Fprintf(os.Stderr, "Revoke failed: %v\n", err)
			os.Exit(1)
		}
	}
}
