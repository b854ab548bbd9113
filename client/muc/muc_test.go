package muc

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"xaya.io/democrit/client/auth"
	"xaya.io/democrit/dem"
	"xaya.io/democrit/dem/msg"
)

// fakeTransport is an in-memory Transport whose event channel the test
// controls directly.
type fakeTransport struct {
	mtx          sync.Mutex
	connectedAs  string
	events       chan Event
	published    [][]byte
	sent         []sentPayload
	disconnected bool
}

type sentPayload struct {
	to      auth.JID
	payload []byte
}

func (ft *fakeTransport) Connect(nick string) error {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	ft.connectedAs = nick
	ft.events = make(chan Event, 16)
	ft.disconnected = false
	return nil
}

func (ft *fakeTransport) Events() <-chan Event {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	return ft.events
}

func (ft *fakeTransport) Publish(payload []byte) error {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	ft.published = append(ft.published, payload)
	return nil
}

func (ft *fakeTransport) Send(to auth.JID, payload []byte) error {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	ft.sent = append(ft.sent, sentPayload{to: to, payload: payload})
	return nil
}

func (ft *fakeTransport) Disconnect() {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	if ft.disconnected {
		return
	}
	ft.disconnected = true
	close(ft.events)
}

// deliver pushes an event into the running connection's channel.
func (ft *fakeTransport) deliver(ev Event) {
	ft.mtx.Lock()
	ch := ft.events
	ft.mtx.Unlock()
	ch <- ev
}

func (ft *fakeTransport) nick() string {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	return ft.connectedAs
}

func (ft *fakeTransport) isDisconnected() bool {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	return ft.disconnected
}

// recordingHandler records all callbacks. Each recorded entry is signalled
// on the notify channel so tests can wait for asynchronous processing.
type recordingHandler struct {
	mtx    sync.Mutex
	msgs   []handledMessage
	privs  []handledMessage
	gone   []auth.JID
	notify chan struct{}
}

type handledMessage struct {
	sender  auth.JID
	stanzas msg.StanzaSet
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{notify: make(chan struct{}, 16)}
}

func (h *recordingHandler) HandleMessage(sender auth.JID, stanzas msg.StanzaSet) {
	h.mtx.Lock()
	h.msgs = append(h.msgs, handledMessage{sender, stanzas})
	h.mtx.Unlock()
	h.notify <- struct{}{}
}

func (h *recordingHandler) HandlePrivate(sender auth.JID, stanzas msg.StanzaSet) {
	h.mtx.Lock()
	h.privs = append(h.privs, handledMessage{sender, stanzas})
	h.mtx.Unlock()
	h.notify <- struct{}{}
}

func (h *recordingHandler) HandleDisconnect(jid auth.JID) {
	h.mtx.Lock()
	h.gone = append(h.gone, jid)
	h.mtx.Unlock()
	h.notify <- struct{}{}
}

func (h *recordingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.notify:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handler callback")
	}
}

func newTestClient(t *testing.T) (*Client, *fakeTransport, *recordingHandler) {
	t.Helper()
	ft := new(fakeTransport)
	h := newRecordingHandler()
	c := New(ft, h, dem.Disabled)
	if err := c.Connect(); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c, ft, h
}

func mustJID(t *testing.T, s string) auth.JID {
	t.Helper()
	jid, err := auth.ParseJID(s)
	if err != nil {
		t.Fatalf("bad JID %q: %v", s, err)
	}
	return jid
}

func presence(nick string, jid auth.JID, available bool) Event {
	return Event{
		Kind:      EventPresence,
		Nick:      nick,
		JID:       jid,
		Available: available,
	}
}

func encodedStanzas(t *testing.T, name, value string) []byte {
	t.Helper()
	stanzas := make(msg.StanzaSet)
	if err := stanzas.Encode(name, value); err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	payload, err := json.Marshal(stanzas)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return payload
}

func TestRoomMessageRouting(t *testing.T) {
	_, ft, h := newTestClient(t)
	alice := mustJID(t, "alice@server/res")

	ft.deliver(presence("nick1", alice, true))
	ft.deliver(Event{
		Kind:    EventRoomMessage,
		Nick:    "nick1",
		Payload: encodedStanzas(t, "test", "hello"),
	})
	h.wait(t)

	h.mtx.Lock()
	defer h.mtx.Unlock()
	if len(h.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(h.msgs))
	}
	if h.msgs[0].sender != alice {
		t.Errorf("wrong sender %v", h.msgs[0].sender)
	}
	var val string
	ok, err := h.msgs[0].stanzas.Decode("test", &val)
	if !ok || err != nil || val != "hello" {
		t.Errorf("wrong stanzas: %v %v %q", ok, err, val)
	}
}

func TestUnknownSenderDropped(t *testing.T) {
	_, ft, h := newTestClient(t)
	alice := mustJID(t, "alice@server/res")

	// No presence seen for nick2, message must be dropped.
	ft.deliver(Event{
		Kind:    EventRoomMessage,
		Nick:    "nick2",
		Payload: encodedStanzas(t, "test", "dropped"),
	})

	// A later valid message proves processing continued.
	ft.deliver(presence("nick1", alice, true))
	ft.deliver(Event{
		Kind:    EventRoomMessage,
		Nick:    "nick1",
		Payload: encodedStanzas(t, "test", "kept"),
	})
	h.wait(t)

	h.mtx.Lock()
	defer h.mtx.Unlock()
	if len(h.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(h.msgs))
	}
	var val string
	h.msgs[0].stanzas.Decode("test", &val)
	if val != "kept" {
		t.Errorf("wrong message survived: %q", val)
	}
}

func TestOwnEchoDropped(t *testing.T) {
	_, ft, h := newTestClient(t)
	own := ft.nick()
	self := mustJID(t, "me@server/res")
	alice := mustJID(t, "alice@server/res")

	// Even with a presence mapping for the own nick, echoes are dropped.
	ft.deliver(presence(own, self, true))
	ft.deliver(Event{
		Kind:    EventRoomMessage,
		Nick:    own,
		Payload: encodedStanzas(t, "test", "echo"),
	})

	ft.deliver(presence("nick1", alice, true))
	ft.deliver(Event{
		Kind:    EventRoomMessage,
		Nick:    "nick1",
		Payload: encodedStanzas(t, "test", "other"),
	})
	h.wait(t)

	h.mtx.Lock()
	defer h.mtx.Unlock()
	if len(h.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(h.msgs))
	}
	var val string
	h.msgs[0].stanzas.Decode("test", &val)
	if val != "other" {
		t.Errorf("wrong message survived: %q", val)
	}
}

func TestPrivateMessage(t *testing.T) {
	_, ft, h := newTestClient(t)
	bob := mustJID(t, "bob@server/res")

	ft.deliver(Event{
		Kind:    EventPrivateMessage,
		JID:     bob,
		Payload: encodedStanzas(t, "test", "private"),
	})
	h.wait(t)

	h.mtx.Lock()
	defer h.mtx.Unlock()
	if len(h.privs) != 1 {
		t.Fatalf("expected 1 private message, got %d", len(h.privs))
	}
	if h.privs[0].sender != bob {
		t.Errorf("wrong sender %v", h.privs[0].sender)
	}
}

func TestInvalidPayloadDropped(t *testing.T) {
	_, ft, h := newTestClient(t)
	alice := mustJID(t, "alice@server/res")

	ft.deliver(presence("nick1", alice, true))
	ft.deliver(Event{
		Kind:    EventRoomMessage,
		Nick:    "nick1",
		Payload: []byte("not json"),
	})
	ft.deliver(Event{
		Kind:    EventPrivateMessage,
		JID:     alice,
		Payload: []byte("{broken"),
	})
	ft.deliver(Event{
		Kind:    EventPrivateMessage,
		JID:     alice,
		Payload: encodedStanzas(t, "test", "good"),
	})
	h.wait(t)

	h.mtx.Lock()
	defer h.mtx.Unlock()
	if len(h.msgs) != 0 {
		t.Errorf("invalid room message handled: %+v", h.msgs)
	}
	if len(h.privs) != 1 {
		t.Fatalf("expected 1 private message, got %d", len(h.privs))
	}
}

func TestMemberDisconnect(t *testing.T) {
	_, ft, h := newTestClient(t)
	alice := mustJID(t, "alice@server/res")

	// Going away without a prior presence is not reported.
	ft.deliver(presence("ghost", auth.JID{}, false))

	ft.deliver(presence("nick1", alice, true))
	ft.deliver(presence("nick1", auth.JID{}, false))
	h.wait(t)

	h.mtx.Lock()
	if len(h.gone) != 1 || h.gone[0] != alice {
		t.Errorf("wrong disconnects: %+v", h.gone)
	}
	h.mtx.Unlock()

	// Messages after the leave are dropped again.
	ft.deliver(Event{
		Kind:    EventRoomMessage,
		Nick:    "nick1",
		Payload: encodedStanzas(t, "test", "late"),
	})
	ft.deliver(Event{
		Kind:    EventPrivateMessage,
		JID:     alice,
		Payload: encodedStanzas(t, "test", "sync"),
	})
	h.wait(t)

	h.mtx.Lock()
	defer h.mtx.Unlock()
	if len(h.msgs) != 0 {
		t.Errorf("message from departed member handled: %+v", h.msgs)
	}
}

func TestSelfErrorPresenceDisconnects(t *testing.T) {
	c, ft, _ := newTestClient(t)

	ft.deliver(Event{
		Kind:  EventPresence,
		Self:  true,
		Error: true,
	})

	deadline := time.Now().Add(5 * time.Second)
	for c.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("client did not disconnect on self error presence")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !ft.isDisconnected() {
		t.Error("transport not torn down")
	}
}

func TestSelfUnavailableDisconnects(t *testing.T) {
	c, ft, _ := newTestClient(t)

	ft.deliver(Event{
		Kind:      EventPresence,
		Self:      true,
		Available: false,
	})

	deadline := time.Now().Add(5 * time.Second)
	for c.IsConnected() {
		if time.Now().After(deadline) {
			t.Fatal("client did not disconnect on self unavailable presence")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestReconnect(t *testing.T) {
	c, ft, h := newTestClient(t)
	alice := mustJID(t, "alice@server/res")

	ft.deliver(presence("nick1", alice, true))
	c.Disconnect()
	if c.IsConnected() {
		t.Fatal("still connected after Disconnect")
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if !c.IsConnected() {
		t.Fatal("not connected after reconnect")
	}

	// The nick map of the old connection must be gone.
	ft.deliver(Event{
		Kind:    EventRoomMessage,
		Nick:    "nick1",
		Payload: encodedStanzas(t, "test", "stale"),
	})
	ft.deliver(Event{
		Kind:    EventPrivateMessage,
		JID:     alice,
		Payload: encodedStanzas(t, "test", "sync"),
	})
	h.wait(t)

	h.mtx.Lock()
	defer h.mtx.Unlock()
	if len(h.msgs) != 0 {
		t.Errorf("stale nick mapping survived reconnect: %+v", h.msgs)
	}
}

func TestPublishAndSendTo(t *testing.T) {
	c, ft, _ := newTestClient(t)
	bob := mustJID(t, "bob@server/res")

	stanzas := make(msg.StanzaSet)
	if err := stanzas.Encode("test", "payload"); err != nil {
		t.Fatal(err)
	}
	if err := c.Publish(stanzas); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := c.SendTo(bob, stanzas); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	if len(ft.published) != 1 {
		t.Fatalf("expected 1 published payload, got %d", len(ft.published))
	}
	if len(ft.sent) != 1 || ft.sent[0].to != bob {
		t.Fatalf("wrong sent payloads: %+v", ft.sent)
	}

	decoded, err := decodeStanzas(ft.published[0])
	if err != nil {
		t.Fatalf("published payload does not decode: %v", err)
	}
	var val string
	ok, err := decoded.Decode("test", &val)
	if !ok || err != nil || val != "payload" {
		t.Errorf("wrong published stanzas: %v %v %q", ok, err, val)
	}
}
