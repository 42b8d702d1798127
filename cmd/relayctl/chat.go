package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Tyrowin/nexus-relay/internal/relay"
)

const handshakeTimeout = 10 * time.Second

type chatOptions struct {
	URL    string
	Origin string
	Token  string
	Room   string
}

// outbound is a client event ready to be written.
type outbound struct {
	Event string         `json:"event"`
	Data  map[string]any `json:"data,omitempty"`
}

// parseLine turns one line of input into an event. Plain text is sent as a
// message to room; lines starting with a slash are commands.
func parseLine(line, room string) (outbound, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return outbound{}, false, nil
	}
	if !strings.HasPrefix(line, "/") {
		return outbound{Event: relay.EventSendMessage, Data: map[string]any{"roomId": room, "content": line}}, true, nil
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "join":
		if arg == "" {
			arg = room
		}
		return outbound{Event: relay.EventJoinRoom, Data: map[string]any{"roomId": arg}}, true, nil
	case "leave":
		if arg == "" {
			arg = room
		}
		return outbound{Event: relay.EventLeaveRoom, Data: map[string]any{"roomId": arg}}, true, nil
	case "status":
		if !relay.Status(arg).Valid() {
			return outbound{}, false, fmt.Errorf("unknown status %q", arg)
		}
		return outbound{Event: relay.EventStatusUpdate, Data: map[string]any{"status": arg}}, true, nil
	case "typing":
		return outbound{Event: relay.EventTypingStart, Data: map[string]any{"roomId": room}}, true, nil
	case "quit":
		return outbound{Event: relay.EventDisconnect}, true, nil
	}
	return outbound{}, false, fmt.Errorf("unknown command /%s", cmd)
}

// render formats a server event for the terminal.
func render(env relay.Envelope) string {
	switch env.Event {
	case relay.EventNewMessage:
		var m relay.NewMessage
		if json.Unmarshal(env.Data, &m) == nil {
			return fmt.Sprintf("[%s] %s: %s", m.CreatedAt.Local().Format(time.TimeOnly), m.Username, m.Content)
		}
	case relay.EventError:
		var p relay.ErrorPayload
		if json.Unmarshal(env.Data, &p) == nil {
			return fmt.Sprintf("! %s: %s", p.Code, p.Message)
		}
	case relay.EventUserTyping:
		var p relay.UserTyping
		if json.Unmarshal(env.Data, &p) == nil {
			return fmt.Sprintf("* %s is typing", p.Username)
		}
	}
	return fmt.Sprintf("%s %s", env.Event, env.Data)
}

func chat(ctx context.Context, opts chatOptions, in io.Reader, out io.Writer) error {
	header := http.Header{}
	header.Set("Origin", opts.Origin)
	header.Set("Authorization", "Bearer "+opts.Token)

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	ws, _, err := websocket.Dial(dialCtx, opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	defer ws.CloseNow()

	join, _, _ := parseLine("/join", opts.Room)
	if err := wsjson.Write(ctx, ws, join); err != nil {
		return err
	}

	readErr := make(chan error, 1)
	go func() {
		for {
			var env relay.Envelope
			if err := wsjson.Read(ctx, ws, &env); err != nil {
				readErr <- err
				return
			}
			fmt.Fprintln(out, render(env))
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ws.Close(websocket.StatusNormalClosure, "")
		case err := <-readErr:
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case line, ok := <-lines:
			if !ok {
				return ws.Close(websocket.StatusNormalClosure, "")
			}
			ev, send, err := parseLine(line, opts.Room)
			if err != nil {
				fmt.Fprintln(out, "!", err)
				continue
			}
			if !send {
				continue
			}
			if err := wsjson.Write(ctx, ws, ev); err != nil {
				return err
			}
		}
	}
}
