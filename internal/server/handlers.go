// Package server exposes HTTP handlers, including the authenticated WebSocket
// upgrade, health checks, and the built-in test page.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const healthCheckTimeout = 2 * time.Second

// credential extracts the bearer token from the "token" query parameter or
// the Authorization header.
func credential(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// WebSocketHandler authenticates the request, upgrades it and starts the
// connection's read and write pumps. No connection is registered until the
// credential resolves to an identity.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	token := credential(r)
	if token == "" {
		http.Error(w, "missing credential", http.StatusUnauthorized)
		return
	}
	identity, err := s.resolver.Resolve(r.Context(), token)
	if err != nil {
		s.logger.Info("websocket authentication failed", "remote", r.RemoteAddr, "err", err)
		http.Error(w, "invalid credential", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	rc, err := s.hub.Open(identity)
	if err != nil {
		s.logger.Warn("connection refused", "user", identity.UserID, "err", err)
		_ = conn.WriteControl(websocket.CloseMessage, closeMessage(err), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	c := newClient(conn, rc, s.router, s.settings.current(), s.logger)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump(rc.Context())
	}()
}

// healthResponse is the body of the health endpoint.
type healthResponse struct {
	Status      string            `json:"status"`
	Timestamp   time.Time         `json:"timestamp"`
	Uptime      string            `json:"uptime"`
	Connections int               `json:"connections"`
	Rooms       int               `json:"rooms"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// HealthHandler reports relay load and the state of every backing service.
// Any failing check turns the response into a 503.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{
		Status:      "ok",
		Timestamp:   time.Now().UTC(),
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		Connections: s.hub.Registry().Len(),
		Rooms:       s.hub.Registry().RoomCount(),
	}

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		resp.Checks = make(map[string]string, len(names))
	}
	for _, name := range names {
		if err := s.checks[name](ctx); err != nil {
			s.logger.Warn("health check failed", "check", name, "err", err)
			resp.Checks[name] = err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Debug("error writing health response", "err", err)
	}
}

// TestPageHandler serves an HTML page for exercising the relay protocol by
// hand: paste a token, join a room and send messages.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := w.Write([]byte(testPage)); err != nil {
		s.logger.Debug("error writing HTML response", "err", err)
	}
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Nexus Relay Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Nexus Relay Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="JWT token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="roomInput" placeholder="Room, e.g. channel-&lt;id&gt;">
        <button onclick="send('join-room', {roomId: roomInput.value})">Join</button>
        <button onclick="send('leave-room', {roomId: roomInput.value})">Leave</button>
    </div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="messages"></div>

    <script>
        let ws = null;
        const messagesDiv = document.getElementById('messages');
        const tokenInput = document.getElementById('tokenInput');
        const roomInput = document.getElementById('roomInput');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');
        const statusDiv = document.getElementById('status');

        function addLine(text, color) {
            const el = document.createElement('div');
            el.style.margin = '5px 0';
            el.style.color = color || 'gray';
            el.textContent = text;
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            messageInput.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?token=' + encodeURIComponent(tokenInput.value));
            ws.onopen = function() { addLine('Connected'); updateStatus(true); };
            ws.onmessage = function(event) { addLine(event.data, 'green'); };
            ws.onclose = function(event) {
                addLine('Connection closed (' + event.code + ' ' + event.reason + ')');
                updateStatus(false);
                ws = null;
            };
            ws.onerror = function() { addLine('Connection error', 'red'); };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function send(event, data) {
            if (!ws || ws.readyState !== WebSocket.OPEN) {
                return;
            }
            const frame = JSON.stringify({event: event, data: data});
            ws.send(frame);
            addLine(frame, 'blue');
        }

        function sendMessage() {
            const content = messageInput.value.trim();
            if (content) {
                send('send-message', {roomId: roomInput.value, content: content});
                messageInput.value = '';
            }
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
        messageInput.addEventListener('input', function() {
            send('typing-start', {roomId: roomInput.value});
        });
    </script>
</body>
</html>`
