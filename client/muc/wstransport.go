// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package muc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"xaya.io/democrit/client/auth"
	"xaya.io/democrit/dem"
)

const (
	// readBuffSize is the buffer size of a connection's event channel.
	readBuffSize = 128

	// writeWait is the maximum time to write to a connection.
	writeWait = 3 * time.Second

	// handshakeTimeout bounds the websocket dial plus room join.
	handshakeTimeout = 10 * time.Second

	// defaultPingWait is the maximum time to wait for a ping from the
	// relay before the connection is considered broken.
	defaultPingWait = 60 * time.Second
)

// wsFrame is the wire frame exchanged with the chat relay. Frames either
// manage room membership (join, joined, presence) or carry a message payload
// (groupchat, chat).
type wsFrame struct {
	Type      string    `json:"type"`
	Room      string    `json:"room,omitempty"`
	Nick      string    `json:"nick,omitempty"`
	JID       string    `json:"jid,omitempty"`
	To        string    `json:"to,omitempty"`
	Available bool      `json:"available,omitempty"`
	Self      bool      `json:"self,omitempty"`
	Error     bool      `json:"error,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Payload   dem.Bytes `json:"payload,omitempty"`
}

// WsConfig configures a WsTransport.
type WsConfig struct {
	// URL is the websocket endpoint of the chat relay.
	URL string
	// Room is the name of the trading room to join.
	Room string
	// JID is the own full address announced to the relay. The relay is
	// trusted to verify it; receivers authenticate it via the trusted
	// server list.
	JID auth.JID
	// PingWait is the maximum time to wait between relay pings. Zero
	// selects a default.
	PingWait time.Duration
}

// WsTransport is a Transport over a websocket connection to a chat relay.
type WsTransport struct {
	cfg WsConfig
	log dem.Logger

	wsMtx  sync.Mutex
	ws     *websocket.Conn
	events chan Event
}

// NewWsTransport creates a WsTransport for the given relay. No connection
// is made until Connect.
func NewWsTransport(cfg *WsConfig, log dem.Logger) *WsTransport {
	c := *cfg
	if c.PingWait == 0 {
		c.PingWait = defaultPingWait
	}
	return &WsTransport{
		cfg: c,
		log: log,
	}
}

// Connect satisfies Transport. It dials the relay, joins the room under the
// given nick and waits for the relay's join confirmation.
func (t *WsTransport) Connect(nick string) error {
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	ws, _, err := dialer.Dial(t.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("error dialing %s: %w", t.cfg.URL, err)
	}

	ws.SetPingHandler(func(string) error {
		now := time.Now()
		if err := ws.SetReadDeadline(now.Add(t.cfg.PingWait)); err != nil {
			return err
		}
		return ws.WriteControl(websocket.PongMessage, nil, now.Add(writeWait))
	})

	join := &wsFrame{
		Type: "join",
		Room: t.cfg.Room,
		Nick: nick,
		JID:  t.cfg.JID.String(),
	}
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(join); err != nil {
		ws.Close()
		return fmt.Errorf("error sending join: %w", err)
	}

	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var reply wsFrame
	if err := ws.ReadJSON(&reply); err != nil {
		ws.Close()
		return fmt.Errorf("error reading join reply: %w", err)
	}
	if reply.Type != "joined" {
		ws.Close()
		return fmt.Errorf("room join failed: %s", reply.Reason)
	}
	ws.SetReadDeadline(time.Now().Add(t.cfg.PingWait))

	events := make(chan Event, readBuffSize)
	t.wsMtx.Lock()
	t.ws = ws
	t.events = events
	t.wsMtx.Unlock()

	go t.read(ws, events)
	return nil
}

// read translates inbound frames into Events until the connection breaks.
func (t *WsTransport) read(ws *websocket.Conn, events chan Event) {
	defer close(events)
	for {
		var f wsFrame
		if err := ws.ReadJSON(&f); err != nil {
			if _, ok := err.(*json.UnmarshalTypeError); ok {
				t.log.Errorf("json decode error: %v", err)
				continue
			}
			if websocket.IsCloseError(err, websocket.CloseGoingAway,
				websocket.CloseNormalClosure) ||
				strings.Contains(err.Error(), "websocket: close sent") ||
				strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			t.log.Errorf("read error: %v", err)
			return
		}

		ev, ok := t.translate(&f)
		if !ok {
			continue
		}
		events <- ev
	}
}

func (t *WsTransport) translate(f *wsFrame) (Event, bool) {
	switch f.Type {
	case "presence":
		jid, err := auth.ParseJID(f.JID)
		if err != nil && f.JID != "" {
			t.log.Warnf("Dropping presence with bad JID %q: %v", f.JID, err)
			return Event{}, false
		}
		return Event{
			Kind:      EventPresence,
			Nick:      f.Nick,
			JID:       jid,
			Available: f.Available,
			Self:      f.Self,
			Error:     f.Error,
		}, true
	case "groupchat":
		return Event{
			Kind:    EventRoomMessage,
			Nick:    f.Nick,
			Payload: f.Payload,
		}, true
	case "chat":
		jid, err := auth.ParseJID(f.JID)
		if err != nil {
			t.log.Warnf("Dropping chat with bad sender JID %q: %v", f.JID, err)
			return Event{}, false
		}
		return Event{
			Kind:    EventPrivateMessage,
			JID:     jid,
			Payload: f.Payload,
		}, true
	default:
		t.log.Warnf("Ignoring unknown frame type %q", f.Type)
		return Event{}, false
	}
}

// Events satisfies Transport. It returns the event channel of the current
// connection; callers must retrieve it anew after each Connect.
func (t *WsTransport) Events() <-chan Event {
	t.wsMtx.Lock()
	defer t.wsMtx.Unlock()
	return t.events
}

func (t *WsTransport) write(f *wsFrame) error {
	t.wsMtx.Lock()
	defer t.wsMtx.Unlock()
	if t.ws == nil {
		return fmt.Errorf("cannot send on a broken connection")
	}
	t.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return t.ws.WriteJSON(f)
}

// Publish satisfies Transport.
func (t *WsTransport) Publish(payload []byte) error {
	return t.write(&wsFrame{Type: "groupchat", Payload: payload})
}

// Send satisfies Transport.
func (t *WsTransport) Send(to auth.JID, payload []byte) error {
	return t.write(&wsFrame{Type: "chat", To: to.String(), Payload: payload})
}

// Disconnect satisfies Transport. Room membership is released by closing
// the connection; the relay drops us from the room on close.
func (t *WsTransport) Disconnect() {
	t.wsMtx.Lock()
	defer t.wsMtx.Unlock()
	if t.ws == nil {
		return
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	t.ws.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
	t.ws.Close()
	t.ws = nil
}
