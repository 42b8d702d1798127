package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/Tyrowin/nexus-relay/internal/config"
	"github.com/Tyrowin/nexus-relay/internal/presence"
	"github.com/Tyrowin/nexus-relay/internal/relay"
	"github.com/Tyrowin/nexus-relay/internal/store"
)

// statusReader looks up a user's recorded presence.
type statusReader interface {
	Status(ctx context.Context, userID string) (relay.Status, error)
}

// admin manages users, servers and channels in the relay's store.
type admin struct {
	store  *store.Store
	status statusReader
	out    io.Writer
}

func (a *admin) createUser(ctx context.Context, username, email string) error {
	if username == "" {
		return fmt.Errorf("-name is required")
	}
	if email == "" {
		email = username + "@example.com"
	}
	u := &store.User{Username: username, Email: email}
	if err := a.store.CreateUser(ctx, u); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "user %s %s\n", u.ID, u.Username)
	return nil
}

func (a *admin) user(ctx context.Context, username string) (*store.User, error) {
	u, err := a.store.FindUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", username, err)
	}
	return u, nil
}

func (a *admin) createServer(ctx context.Context, owner, name string) error {
	u, err := a.user(ctx, owner)
	if err != nil {
		return err
	}
	srv := &store.Server{Name: name, OwnerID: u.ID}
	channels, err := a.store.CreateServer(ctx, srv)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "server %s %q invite=%s\n", relay.ServerRoom(srv.ID), srv.Name, srv.InviteCode)
	a.printChannels(channels)
	return nil
}

func (a *admin) join(ctx context.Context, username, invite string) error {
	u, err := a.user(ctx, username)
	if err != nil {
		return err
	}
	srv, err := a.store.JoinByInvite(ctx, invite, u.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s joined %s\n", u.Username, relay.ServerRoom(srv.ID))
	return nil
}

func (a *admin) kick(ctx context.Context, serverID, username string) error {
	u, err := a.user(ctx, username)
	if err != nil {
		return err
	}
	if err := a.store.RemoveMember(ctx, serverID, u.ID); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s removed from %s\n", u.Username, relay.ServerRoom(serverID))
	return nil
}

func (a *admin) createChannel(ctx context.Context, serverID, name, topic string) error {
	ch := &store.Channel{ServerID: serverID, Name: name, Topic: topic}
	existing, err := a.store.ListChannels(ctx, serverID)
	if err != nil {
		return err
	}
	ch.Position = len(existing)
	if err := a.store.CreateChannel(ctx, ch); err != nil {
		return err
	}
	a.printChannels([]store.Channel{*ch})
	return nil
}

func (a *admin) listChannels(ctx context.Context, serverID string) error {
	channels, err := a.store.ListChannels(ctx, serverID)
	if err != nil {
		return err
	}
	a.printChannels(channels)
	return nil
}

func (a *admin) printChannels(channels []store.Channel) {
	for _, c := range channels {
		fmt.Fprintf(a.out, "  %s #%s\n", relay.ChannelRoom(c.ID), c.Name)
	}
}

func (a *admin) history(ctx context.Context, room string, limit int) error {
	id, err := relay.ParseRoomID(room)
	if err != nil {
		return err
	}
	if id.Kind() != relay.RoomChannel {
		return fmt.Errorf("history: %s is not a channel", id)
	}
	messages, err := a.store.ListMessages(ctx, id.EntityID(), limit)
	if err != nil {
		return err
	}
	for _, m := range messages {
		fmt.Fprintf(a.out, "%s <%s> %s\n", m.CreatedAt.UTC().Format("2006-01-02 15:04:05"), m.AuthorID, m.Content)
	}
	return nil
}

func (a *admin) presence(ctx context.Context, username string) error {
	if a.status == nil {
		return fmt.Errorf("presence is not configured (set presence.redis_addr)")
	}
	u, err := a.user(ctx, username)
	if err != nil {
		return err
	}
	st, err := a.status.Status(ctx, u.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "%s %s\n", u.Username, st)
	return nil
}

// openAdmin connects to the services named in the config at path. The
// returned func releases them.
func openAdmin(ctx context.Context, path string, withPresence bool, out io.Writer) (*admin, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Store.Driver != "sqlite" {
		return nil, nil, fmt.Errorf("admin commands need the sqlite store, not %q", cfg.Store.Driver)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	st, err := store.OpenSQLite(cfg.Store.DSN, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	a := &admin{store: st, out: out}
	closers := []func() error{st.Close}

	if withPresence && cfg.Presence.RedisAddr != "" {
		pc := presence.DefaultConfig()
		pc.Addr = cfg.Presence.RedisAddr
		pc.Prefix = cfg.Presence.KeyPrefix
		rt, err := presence.Dial(ctx, pc)
		if err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		a.status = rt
		closers = append(closers, rt.Close)
	}

	return a, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}, nil
}

// runAdmin parses args for the admin command name and runs it.
func runAdmin(name string, args []string) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file")
	username := fs.String("name", "", "username")
	email := fs.String("email", "", "email address for a new user")
	serverID := fs.String("server", "", "server id")
	invite := fs.String("invite", "", "server invite code")
	topic := fs.String("topic", "", "channel topic")
	room := fs.String("room", "", "channel room, e.g. channel-<id>")
	limit := fs.Int("limit", 50, "number of messages to show")
	owner := fs.String("owner", "", "username of the server owner")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	a, closeAdmin, err := openAdmin(ctx, *configPath, name == "presence", os.Stdout)
	if err != nil {
		return err
	}
	defer closeAdmin()

	switch name {
	case "user":
		return a.createUser(ctx, *username, *email)
	case "server":
		return a.createServer(ctx, *owner, *username)
	case "join":
		return a.join(ctx, *username, *invite)
	case "kick":
		return a.kick(ctx, *serverID, *username)
	case "channel":
		return a.createChannel(ctx, *serverID, *username, *topic)
	case "channels":
		return a.listChannels(ctx, *serverID)
	case "history":
		return a.history(ctx, *room, *limit)
	case "presence":
		return a.presence(ctx, *username)
	}
	return fmt.Errorf("unknown command %q", name)
}
