package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tyrowin/presencehub/internal/metrics"
	"github.com/Tyrowin/presencehub/internal/presence"
	"github.com/Tyrowin/presencehub/internal/routing"
)

// WebSocketHandler upgrades GET requests to WebSocket, runs the auth
// handshake and hands the authenticated client to the hub.
func (h *Hub) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	identity, err := readHandshake(conn, currentConfig())
	if err != nil {
		metrics.Handshakes.WithLabelValues("rejected").Inc()
		h.log.Warn("rejecting connection", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		rejectConnection(conn, "invalid identity")
		return
	}
	metrics.Handshakes.WithLabelValues("accepted").Inc()

	client := NewClient(conn, h, r.RemoteAddr, identity)
	if !h.registerClient(client) {
		rejectConnection(conn, "server shutting down")
	}
}

// readHandshake reads the auth frame that must open every connection.
func readHandshake(conn *websocket.Conn, cfg Config) (presence.Identity, error) {
	conn.SetReadLimit(cfg.MaxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
		return presence.Identity{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return presence.Identity{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	var env routing.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return presence.Identity{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if env.Event != EventAuth {
		return presence.Identity{}, fmt.Errorf("%w: expected %q frame, got %q", ErrHandshake, EventAuth, env.Event)
	}

	var identity presence.Identity
	if err := json.Unmarshal(env.Data, &identity); err != nil {
		return presence.Identity{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if err := identity.Validate(); err != nil {
		return presence.Identity{}, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return presence.Identity{}, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	return identity, nil
}

func rejectConnection(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// HealthHandler provides a simple liveness endpoint.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "WebSocket server running")
}

// TestPageHandler serves an HTML page that authenticates, sends chat messages
// and shows every frame the server pushes.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprint(w, testPage)
}

const testPage = `<!DOCTYPE html>
<html>
<head>
    <title>Presence Hub Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #frames {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 160px; padding: 5px; margin-right: 10px; }
        select { padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Presence Hub Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="userId" placeholder="userId">
        <input type="text" id="groupId" placeholder="groupId">
        <select id="role">
            <option value="member">member</option>
            <option value="admin">admin</option>
        </select>
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div style="margin-top: 10px">
        <input type="text" id="toUserId" placeholder="toUserId" disabled>
        <input type="text" id="toGroupId" placeholder="toGroupId" disabled>
        <input type="text" id="message" placeholder="message" disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
    </div>

    <div id="frames"></div>

    <script>
        let ws = null;
        const framesDiv = document.getElementById('frames');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');
        const inputs = ['toUserId', 'toGroupId', 'message', 'sendButton'].map(id => document.getElementById(id));

        function addLine(text, color) {
            const line = document.createElement('div');
            line.style.color = color || 'gray';
            line.textContent = text;
            framesDiv.appendChild(line);
            framesDiv.scrollTop = framesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
            inputs.forEach(el => el.disabled = !connected);
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws');

            ws.onopen = function() {
                ws.send(JSON.stringify({
                    event: 'auth',
                    data: {
                        userId: document.getElementById('userId').value,
                        groupId: document.getElementById('groupId').value,
                        role: document.getElementById('role').value
                    }
                }));
                updateStatus(true);
            };

            ws.onmessage = function(event) {
                addLine(event.data, 'green');
            };

            ws.onclose = function(event) {
                addLine('Connection closed (' + event.code + (event.reason ? ': ' + event.reason : '') + ')');
                updateStatus(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        function sendMessage() {
            if (!ws || ws.readyState !== WebSocket.OPEN) {
                return;
            }
            const data = { message: document.getElementById('message').value };
            const toUserId = document.getElementById('toUserId').value;
            const toGroupId = document.getElementById('toGroupId').value;
            if (toUserId) data.toUserId = toUserId;
            if (toGroupId) data.toGroupId = toGroupId;
            const frame = JSON.stringify({ event: 'chat_message', data: data });
            ws.send(frame);
            addLine(frame, 'blue');
        }
    </script>
</body>
</html>`
