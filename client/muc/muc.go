// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package muc implements the client for the shared trading room. It joins
// the room under a random nick, tracks the nick-to-JID mapping from presence
// events and routes published and private messages to a Handler.
package muc

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"

	"xaya.io/democrit/client/auth"
	"xaya.io/democrit/dem"
	"xaya.io/democrit/dem/msg"
)

// Handler receives the messages and events of a connected Client. The
// methods are called from the client's event loop, one at a time, in receipt
// order. They must not synchronously call Disconnect.
type Handler interface {
	// HandleMessage is called for messages published to the room.
	HandleMessage(sender auth.JID, stanzas msg.StanzaSet)
	// HandlePrivate is called for point-to-point messages.
	HandlePrivate(sender auth.JID, stanzas msg.StanzaSet)
	// HandleDisconnect is called when a room member goes away.
	HandleDisconnect(jid auth.JID)
}

// EventKind enumerates the events a Transport delivers.
type EventKind uint8

const (
	// EventPresence is a join, leave or error presence of a room member.
	EventPresence EventKind = iota + 1
	// EventRoomMessage is a message published to the room.
	EventRoomMessage
	// EventPrivateMessage is a point-to-point message.
	EventPrivateMessage
)

// Event is one inbound event from the chat connection.
type Event struct {
	Kind EventKind

	// Nick is the in-room nick: the affected member for presences, the
	// sender for room messages.
	Nick string
	// JID is the full address: the member's real address for presences,
	// the sender for private messages.
	JID auth.JID
	// Available is whether the presence announces the member as present.
	Available bool
	// Self is set on presences concerning our own room membership.
	Self bool
	// Error is set on error presences.
	Error bool

	// Payload is the encoded stanza set of a message event.
	Payload []byte
}

// Transport is the underlying chat connection. Implementations frame the
// opaque payloads and deliver inbound traffic as Events.
type Transport interface {
	// Connect joins the room under the given nick. It blocks until the
	// join either completes or definitively fails.
	Connect(nick string) error
	// Events returns the event channel of the current connection. The
	// channel is closed when the connection goes down.
	Events() <-chan Event
	// Publish sends a payload to all room members.
	Publish(payload []byte) error
	// Send sends a payload to a single member.
	Send(to auth.JID, payload []byte) error
	// Disconnect tears the connection down. It is idempotent.
	Disconnect()
}

// Client is the trading room chat client.
type Client struct {
	log       dem.Logger
	transport Transport
	handler   Handler

	// mtx guards the connection lifecycle.
	mtx       sync.Mutex
	connected bool
	wg        sync.WaitGroup

	// nickMtx guards the nick-to-JID map of the current connection.
	nickMtx sync.Mutex
	ownNick string
	nicks   map[string]auth.JID
}

// New creates a Client on the given transport. Events are routed to the
// handler once Connect succeeds.
func New(transport Transport, handler Handler, log dem.Logger) *Client {
	return &Client{
		log:       log,
		transport: transport,
		handler:   handler,
	}
}

// randomNick generates a fresh in-room nick. The nick carries no meaning;
// identities come from JIDs via authentication.
func randomNick() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// Connect joins the room, blocking until the join completes or definitively
// fails. On success the event loop starts and IsConnected reports true.
func (c *Client) Connect() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.connected {
		return nil
	}

	nick := randomNick()
	if err := c.transport.Connect(nick); err != nil {
		return err
	}
	c.log.Infof("Joined the trading room as %s", nick)

	c.nickMtx.Lock()
	c.ownNick = nick
	c.nicks = make(map[string]auth.JID)
	c.nickMtx.Unlock()

	c.connected = true
	c.wg.Add(1)
	go c.eventLoop(c.transport.Events())
	return nil
}

// Disconnect leaves the room and blocks until the event loop has finished.
// It is idempotent and must not be called from handler callbacks; those
// should spawn a goroutine instead.
func (c *Client) Disconnect() {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if !c.connected {
		return
	}

	c.transport.Disconnect()
	c.wg.Wait()
	c.connected = false
	c.log.Infof("Disconnected from the trading room")
}

// IsConnected reports whether the room connection is up.
func (c *Client) IsConnected() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.connected
}

func (c *Client) eventLoop(events <-chan Event) {
	defer c.wg.Done()
	for ev := range events {
		switch ev.Kind {
		case EventPresence:
			c.handlePresence(&ev)
		case EventRoomMessage:
			c.handleRoomMessage(&ev)
		case EventPrivateMessage:
			c.handlePrivateMessage(&ev)
		default:
			c.log.Warnf("Ignoring unknown event kind %d", ev.Kind)
		}
	}
}

func (c *Client) handlePresence(ev *Event) {
	if ev.Self {
		if ev.Error || !ev.Available {
			// Tearing down from the event loop itself would deadlock, so
			// a disconnecter goroutine does it.
			c.log.Warnf("Received self presence requiring disconnect")
			go c.Disconnect()
		}
		return
	}

	if ev.Available {
		c.log.Tracef("Presence of %s: %s", ev.Nick, ev.JID)
		c.nickMtx.Lock()
		c.nicks[ev.Nick] = ev.JID
		c.nickMtx.Unlock()
		return
	}

	c.nickMtx.Lock()
	jid, known := c.nicks[ev.Nick]
	delete(c.nicks, ev.Nick)
	c.nickMtx.Unlock()
	if known {
		c.log.Debugf("Room member %s (%s) went away", ev.Nick, jid)
		c.handler.HandleDisconnect(jid)
	}
}

func (c *Client) handleRoomMessage(ev *Event) {
	c.nickMtx.Lock()
	own := ev.Nick == c.ownNick
	jid, known := c.nicks[ev.Nick]
	c.nickMtx.Unlock()

	// Our own echoed messages and messages of members we have not seen a
	// presence for yet are dropped.
	if own || !known {
		c.log.Tracef("Dropping room message from unknown nick %s", ev.Nick)
		return
	}

	stanzas, err := decodeStanzas(ev.Payload)
	if err != nil {
		c.log.Warnf("Invalid room message from %s: %v", jid, err)
		return
	}
	c.handler.HandleMessage(jid, stanzas)
}

func (c *Client) handlePrivateMessage(ev *Event) {
	stanzas, err := decodeStanzas(ev.Payload)
	if err != nil {
		c.log.Warnf("Invalid private message from %s: %v", ev.JID, err)
		return
	}
	c.handler.HandlePrivate(ev.JID, stanzas)
}

func decodeStanzas(payload []byte) (msg.StanzaSet, error) {
	stanzas := make(msg.StanzaSet)
	if err := json.Unmarshal(payload, &stanzas); err != nil {
		return nil, err
	}
	return stanzas, nil
}

// Publish sends the stanza set to all room members.
func (c *Client) Publish(stanzas msg.StanzaSet) error {
	payload, err := json.Marshal(stanzas)
	if err != nil {
		return err
	}
	return c.transport.Publish(payload)
}

// SendTo sends the stanza set to the member with the given full JID.
func (c *Client) SendTo(to auth.JID, stanzas msg.StanzaSet) error {
	payload, err := json.Marshal(stanzas)
	if err != nil {
		return err
	}
	return c.transport.Send(to, payload)
}
