// ABOUTME: Diagnostic CLI client for a running mesh-gateway
// ABOUTME: Pings, publishes, sends direct messages, and tails notifications

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/mesh-gateway/internal/client"
)

func main() {
	url := flag.String("url", "ws://localhost:9700/ws", "gateway RPC endpoint")
	token := flag.String("token", "", "access token (or MESH_TOKEN env var)")
	entity := flag.String("entity", "probe", "entity ID to authenticate as")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Usage: mesh-probe [flags] <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  ping                      Round-trip check")
		fmt.Println("  info                      Print server info")
		fmt.Println("  agents                    List online entities")
		fmt.Println("  publish <channel> <json>  Publish a payload to a channel")
		fmt.Println("  send <entity> <json>      Send a direct message")
		fmt.Println("  listen <channel>...       Subscribe and tail notifications")
		os.Exit(1)
	}

	if *token == "" {
		*token = os.Getenv("MESH_TOKEN")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *url, *token, *entity, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, url, token, entity string, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	c, err := client.Dial(ctx, url, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	command := args[0]

	// ping and info work unauthenticated; everything else needs a token.
	if command != "ping" && command != "info" {
		if token == "" {
			return fmt.Errorf("a token is required (use --token or MESH_TOKEN)")
		}
		if err := c.Authenticate(ctx, token, entity, "probe", nil); err != nil {
			return err
		}
	}

	switch command {
	case "ping":
		return call(ctx, c, "rpc.ping", nil)
	case "info":
		return call(ctx, c, "rpc.getServerInfo", nil)
	case "agents":
		return call(ctx, c, "agent.list", nil)
	case "publish":
		if len(args) < 3 {
			return fmt.Errorf("usage: publish <channel> <json>")
		}
		return call(ctx, c, "channel.publish", map[string]any{
			"channel": args[1],
			"payload": json.RawMessage(args[2]),
		})
	case "send":
		if len(args) < 3 {
			return fmt.Errorf("usage: send <entity> <json>")
		}
		return call(ctx, c, "agent.send", map[string]any{
			"entity_id": args[1],
			"payload":   json.RawMessage(args[2]),
		})
	case "listen":
		if len(args) < 2 {
			return fmt.Errorf("usage: listen <channel>...")
		}
		return listen(ctx, c, args[1:])
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func call(ctx context.Context, c *client.Client, method string, params any) error {
	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := c.Call(callCtx, method, params)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("%s failed: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
	}

	out, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func listen(ctx context.Context, c *client.Client, channels []string) error {
	for _, ch := range channels {
		resp, err := c.Call(ctx, "channel.subscribe", map[string]any{"channel": ch})
		if err != nil {
			return err
		}
		if resp.Error != nil {
			return fmt.Errorf("subscribing to %s: %s", ch, resp.Error.Message)
		}
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	fmt.Printf("listening on %v (ctrl-c to stop)\n", channels)

	for {
		select {
		case n, ok := <-c.Notifications():
			if !ok {
				return fmt.Errorf("connection closed")
			}
			gray.Printf("%s ", time.Now().Format("15:04:05"))
			cyan.Printf("%s ", n.Method)
			fmt.Println(string(n.Params))
		case <-ctx.Done():
			return nil
		}
	}
}
