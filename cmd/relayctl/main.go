// Command relayctl issues development tokens, manages the sqlite store and
// chats with a running relay from the terminal.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/nexus-relay/internal/auth"
	"github.com/Tyrowin/nexus-relay/internal/config"
)

const usage = `usage:
  relayctl token (-user <id> | -name <username>) [-config file]
  relayctl chat -token <jwt> -room <room> [-url ws://localhost:8080/ws] [-origin http://localhost:8080]
  relayctl user -name <username> [-email addr] [-config file]
  relayctl server -owner <username> -name <server name> [-config file]
  relayctl join -name <username> -invite <code> [-config file]
  relayctl kick -server <id> -name <username> [-config file]
  relayctl channel -server <id> -name <channel name> [-topic text] [-config file]
  relayctl channels -server <id> [-config file]
  relayctl history -room channel-<id> [-limit 50] [-config file]
  relayctl presence -name <username> [-config file]`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "token":
		err = runToken(os.Args[2:])
	case "chat":
		err = runChat(os.Args[2:])
	case "user", "server", "join", "kick", "channel", "channels", "history", "presence":
		err = runAdmin(os.Args[1], os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		slog.Error("relayctl failed", "cmd", os.Args[1], "err", err)
		os.Exit(1)
	}
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	userID := fs.String("user", "", "user id to embed in the token")
	username := fs.String("name", "", "username to embed in the token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	resolver, err := auth.NewJWTResolver(auth.Config{
		Secret:   cfg.Auth.Secret(),
		Issuer:   cfg.Auth.Issuer,
		TokenTTL: cfg.Auth.TokenTTL,
	})
	if err != nil {
		return fmt.Errorf("%w (set %s)", err, cfg.Auth.SecretEnv)
	}

	if *userID == "" && *username != "" {
		a, closeAdmin, err := openAdmin(context.Background(), *configPath, false, os.Stdout)
		if err != nil {
			return err
		}
		u, err := a.user(context.Background(), *username)
		closeAdmin()
		if err != nil {
			return err
		}
		*userID = u.ID
	}

	token, err := resolver.Issue(*userID, *username)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func runChat(args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	var opts chatOptions
	fs.StringVar(&opts.URL, "url", "ws://localhost:8080/ws", "relay WebSocket endpoint")
	fs.StringVar(&opts.Origin, "origin", "http://localhost:8080", "Origin header to present")
	fs.StringVar(&opts.Token, "token", "", "bearer token")
	fs.StringVar(&opts.Room, "room", "", "room to join, e.g. channel-<id>")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.Token == "" || opts.Room == "" {
		return fmt.Errorf("-token and -room are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return chat(ctx, opts, os.Stdin, os.Stdout)
}
