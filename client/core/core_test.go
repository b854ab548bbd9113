package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"xaya.io/democrit/client/auth"
	"xaya.io/democrit/client/muc"
	"xaya.io/democrit/client/trade"
	"xaya.io/democrit/client/xayarpc"
	"xaya.io/democrit/dem"
	"xaya.io/democrit/dem/msg"
)

// fakeTransport is an in-memory chat connection recording all outbound
// traffic.
type fakeTransport struct {
	mtx       sync.Mutex
	events    chan muc.Event
	published [][]byte
	sent      []sentPayload
}

type sentPayload struct {
	to      auth.JID
	payload []byte
}

func (ft *fakeTransport) Connect(nick string) error {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	ft.events = make(chan muc.Event, 16)
	return nil
}

func (ft *fakeTransport) Events() <-chan muc.Event {
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
	if ft.events != nil {
		close(ft.events)
		ft.events = nil
	}
}

// lastPublished decodes the most recent room broadcast as an order set.
func (ft *fakeTransport) lastPublished(t *testing.T) *msg.OrdersOfAccount {
	t.Helper()
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	if len(ft.published) == 0 {
		t.Fatalf("nothing published")
	}
	var stanzas msg.StanzaSet
	if err := json.Unmarshal(ft.published[len(ft.published)-1], &stanzas); err != nil {
		t.Fatalf("invalid published payload: %v", err)
	}
	var oa msg.OrdersOfAccount
	ok, err := stanzas.Decode(msg.StanzaOrders, &oa)
	if err != nil || !ok {
		t.Fatalf("published payload has no orders stanza: %v", err)
	}
	return &oa
}

// lastSent decodes the most recent direct message as a trade message.
func (ft *fakeTransport) lastSent(t *testing.T) (auth.JID, *msg.ProcessingMessage) {
	t.Helper()
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	if len(ft.sent) == 0 {
		t.Fatalf("nothing sent")
	}
	last := ft.sent[len(ft.sent)-1]
	var stanzas msg.StanzaSet
	if err := json.Unmarshal(last.payload, &stanzas); err != nil {
		t.Fatalf("invalid sent payload: %v", err)
	}
	var pm msg.ProcessingMessage
	ok, err := stanzas.Decode(msg.StanzaTrade, &pm)
	if err != nil || !ok {
		t.Fatalf("sent payload has no trade stanza: %v", err)
	}
	return last.to, &pm
}

func (ft *fakeTransport) sentCount() int {
	ft.mtx.Lock()
	defer ft.mtx.Unlock()
	return len(ft.sent)
}

// stubSpec accepts one asset and allows everyone to trade it.
type stubSpec struct{}

func (stubSpec) GameID() string {
	return "gid"
}

func (stubSpec) IsAsset(asset string) bool {
	return asset == "gold"
}

func (stubSpec) CanSell(name, asset string, units msg.Amount) (bool, string, error) {
	return true, "blk", nil
}

func (stubSpec) CanBuy(name, asset string, units msg.Amount) (bool, error) {
	return true, nil
}

func (stubSpec) GetTransferMove(sender, receiver, asset string,
	units msg.Amount) (json.RawMessage, error) {

	return json.RawMessage(`{}`), nil
}

// stubWallet fails every call. The routing tests never construct actual
// trade transactions.
type stubWallet struct{}

func (stubWallet) GetNewAddress() (string, error) {
	return "", fmt.Errorf("no wallet")
}

func (stubWallet) NameShow(name string) (*xayarpc.NameShowResult, error) {
	return nil, fmt.Errorf("no wallet")
}

func (stubWallet) GetTxOut(op msg.OutPoint) (*btcjson.GetTxOutResult, error) {
	return nil, fmt.Errorf("no wallet")
}

func (stubWallet) GetBlockHeader(blockHash string) (*btcjson.GetBlockHeaderVerboseResult, error) {
	return nil, fmt.Errorf("no wallet")
}

func (stubWallet) WalletCreateFundedPsbt(outputs map[string]float64,
	feeRateSatVb msg.Amount) (string, error) {

	return "", fmt.Errorf("no wallet")
}

func (stubWallet) CreatePsbt(inputs []xayarpc.PsbtInput,
	outputs map[string]float64) (string, error) {

	return "", fmt.Errorf("no wallet")
}

func (stubWallet) NamePsbt(psbt string, vout uint32, name, value string) (string, error) {
	return "", fmt.Errorf("no wallet")
}

func (stubWallet) JoinPsbts(psbts []string) (string, error) {
	return "", fmt.Errorf("no wallet")
}

func (stubWallet) CombinePsbt(psbts []string) (string, error) {
	return "", fmt.Errorf("no wallet")
}

func (stubWallet) WalletProcessPsbt(psbt string) (string, bool, error) {
	return "", false, fmt.Errorf("no wallet")
}

func (stubWallet) FinalizePsbt(psbt string) (*xayarpc.FinalizeResult, error) {
	return nil, fmt.Errorf("no wallet")
}

func (stubWallet) SendRawTransaction(txHex string) (string, error) {
	return "", fmt.Errorf("no wallet")
}

func (stubWallet) LockUnspent(unlock bool, ops []msg.OutPoint) error {
	return nil
}

func (stubWallet) DecodePsbt(psbt string) (*xayarpc.DecodedPsbt, error) {
	return nil, fmt.Errorf("no wallet")
}

// stubGSP knows no trades.
type stubGSP struct{}

func (stubGSP) CheckTrade(btxid string) (*xayarpc.CheckTradeResult, error) {
	return nil, fmt.Errorf("no gsp")
}

func testJID(account string) auth.JID {
	return auth.JID{Local: account, Server: "srv", Resource: "res"}
}

func newTestCore(t *testing.T, account string) (*Core, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	c, err := New(&Config{
		Spec:           stubSpec{},
		Account:        account,
		JID:            testJID(account),
		Transport:      ft,
		TrustedServers: "srv",
		Wallet:         stubWallet{},
		GSP:            stubGSP{},
		// Long intervals keep the periodic jobs out of the tests.
		OrderTimeout:      time.Hour,
		ReconnectInterval: time.Hour,
		TradeTimeout:      time.Hour,
		Log:               dem.Disabled,
	})
	if err != nil {
		t.Fatalf("cannot create core: %v", err)
	}
	t.Cleanup(c.Stop)
	return c, ft
}

func goldAsk(account string, id uint64) *msg.Order {
	return &msg.Order{
		Account:  account,
		ID:       id,
		Asset:    "gold",
		Type:     msg.Ask,
		PriceSat: 10,
		MaxUnits: 5,
	}
}

// remoteOrders wraps orders into the stanza set a room broadcast carries.
func remoteOrders(t *testing.T, account string, orders ...*msg.Order) msg.StanzaSet {
	t.Helper()
	oa := &msg.OrdersOfAccount{
		Account: account,
		Orders:  make(map[uint64]*msg.Order),
	}
	for _, o := range orders {
		oa.Orders[o.ID] = o
	}
	stanzas := make(msg.StanzaSet)
	if err := stanzas.Encode(msg.StanzaOrders, oa); err != nil {
		t.Fatalf("cannot encode orders: %v", err)
	}
	return stanzas
}

func TestNewChecksOwnJID(t *testing.T) {
	base := Config{
		Spec:      stubSpec{},
		Transport: &fakeTransport{},
		Wallet:    stubWallet{},
		GSP:       stubGSP{},
		Log:       dem.Disabled,
	}

	cfg := base
	cfg.Account = "self"
	cfg.JID = testJID("other")
	cfg.TrustedServers = "srv"
	if _, err := New(&cfg); err == nil {
		t.Errorf("no error for JID of a different account")
	}

	cfg = base
	cfg.Account = "self"
	cfg.JID = testJID("self")
	cfg.TrustedServers = "elsewhere"
	if _, err := New(&cfg); err == nil {
		t.Errorf("no error for JID on an untrusted server")
	}
}

func TestPublishedOrdersReachBook(t *testing.T) {
	c, _ := newTestCore(t, "self")

	valid := goldAsk("", 1)
	invalid := goldAsk("", 2)
	invalid.Asset = "bogus"
	c.HandleMessage(testJID("maker"), remoteOrders(t, "maker", valid, invalid))

	book := c.GetOrdersForAsset("gold")
	if len(book.Bids) != 0 || len(book.Asks) != 1 {
		t.Fatalf("unexpected book: %d bids, %d asks",
			len(book.Bids), len(book.Asks))
	}
	o := book.Asks[0]
	if o.Account != "maker" || o.ID != 1 || o.PriceSat != 10 {
		t.Errorf("unexpected booked order: %+v", o)
	}

	byAsset := c.GetOrdersByAsset()
	if len(byAsset.Assets) != 1 || byAsset.Assets["gold"] == nil {
		t.Errorf("unexpected composed book: %+v", byAsset)
	}
	if _, ok := byAsset.Assets["bogus"]; ok {
		t.Errorf("invalid order made it into the book")
	}
}

func TestUntrustedSenderIgnored(t *testing.T) {
	c, _ := newTestCore(t, "self")

	sender := auth.JID{Local: "maker", Server: "evil", Resource: "res"}
	c.HandleMessage(sender, remoteOrders(t, "maker", goldAsk("", 1)))

	if book := c.GetOrdersForAsset("gold"); len(book.Asks) != 0 {
		t.Errorf("orders of untrusted sender were booked")
	}
}

func TestDisconnectPurgesOrders(t *testing.T) {
	c, _ := newTestCore(t, "self")

	c.HandleMessage(testJID("maker"), remoteOrders(t, "maker", goldAsk("", 1)))
	if book := c.GetOrdersForAsset("gold"); len(book.Asks) != 1 {
		t.Fatalf("order was not booked")
	}

	c.HandleDisconnect(testJID("maker"))
	if book := c.GetOrdersForAsset("gold"); len(book.Asks) != 0 {
		t.Errorf("orders survived the maker's disconnect")
	}
}

func TestOwnOrderBroadcast(t *testing.T) {
	c, ft := newTestCore(t, "self")

	o := goldAsk("", 0)
	if !c.AddOrder(o) {
		t.Fatalf("cannot add valid order")
	}

	oa := ft.lastPublished(t)
	if oa.Account != "self" || len(oa.Orders) != 1 {
		t.Fatalf("unexpected broadcast: %+v", oa)
	}
	if got := oa.Orders[0]; got == nil || got.Asset != "gold" {
		t.Errorf("unexpected broadcast order: %+v", got)
	}

	own := c.GetOwnOrders()
	if own.Account != "self" || len(own.Orders) != 1 {
		t.Errorf("unexpected own orders: %+v", own)
	}

	c.CancelOrder(0)
	if oa := ft.lastPublished(t); len(oa.Orders) != 0 {
		t.Errorf("cancelled order still broadcast: %+v", oa)
	}
	if own := c.GetOwnOrders(); len(own.Orders) != 0 {
		t.Errorf("cancelled order still held: %+v", own)
	}
}

func TestInvalidOwnOrderRejected(t *testing.T) {
	c, _ := newTestCore(t, "self")

	o := goldAsk("", 0)
	o.Asset = "bogus"
	if c.AddOrder(o) {
		t.Errorf("invalid order was accepted")
	}
	if own := c.GetOwnOrders(); len(own.Orders) != 0 {
		t.Errorf("invalid order was stored: %+v", own)
	}
}

func TestTakeOrderSendsInitialMessage(t *testing.T) {
	c, ft := newTestCore(t, "self")

	// Seeing the maker's broadcast teaches the core its chat address.
	c.HandleMessage(testJID("maker"), remoteOrders(t, "maker", goldAsk("", 7)))
	o := c.GetOrdersForAsset("gold").Asks[0]

	if err := c.TakeOrder(o, 3); err != nil {
		t.Fatalf("cannot take order: %v", err)
	}

	to, pm := ft.lastSent(t)
	if to != testJID("maker") {
		t.Errorf("initial message sent to %s", to)
	}
	if pm.TakingOrder == nil || pm.TakingOrder.ID != 7 || pm.TakingOrder.Units != 3 {
		t.Errorf("unexpected taking order: %+v", pm.TakingOrder)
	}

	trades := c.GetTrades()
	if len(trades) != 1 || trades[0].State != msg.StateInitiated {
		t.Fatalf("unexpected trades: %+v", trades)
	}
	if trades[0].Role != msg.Taker || trades[0].Type != msg.Bid {
		t.Errorf("unexpected trade view: %+v", trades[0])
	}
}

func TestTakeOrderUnknownAddress(t *testing.T) {
	c, ft := newTestCore(t, "self")

	// The order never came over chat, so there is no address to reply to.
	if err := c.TakeOrder(goldAsk("ghost", 1), 3); err == nil {
		t.Errorf("no error taking an order without a known address")
	}
	if ft.sentCount() != 0 {
		t.Errorf("message sent despite unknown address")
	}
}

func TestPrivateMessageRouting(t *testing.T) {
	c, ft := newTestCore(t, "self")

	encode := func(pm *msg.ProcessingMessage) msg.StanzaSet {
		stanzas := make(msg.StanzaSet)
		if err := stanzas.Encode(msg.StanzaTrade, pm); err != nil {
			t.Fatalf("cannot encode trade message: %v", err)
		}
		return stanzas
	}

	// A message for a trade we do not run is dropped without a reply.
	c.HandlePrivate(testJID("taker"), encode(&msg.ProcessingMessage{
		Identifier: "nobody\n42",
	}))
	if ft.sentCount() != 0 {
		t.Errorf("reply sent for unknown trade")
	}

	// Taking an order we do not hold is dropped as well.
	c.HandlePrivate(testJID("taker"), encode(&msg.ProcessingMessage{
		Identifier:  "self\n42",
		TakingOrder: &msg.TakingOrder{ID: 42, Units: 1},
	}))
	if ft.sentCount() != 0 {
		t.Errorf("reply sent for unknown order take")
	}
	if trades := c.GetTrades(); len(trades) != 0 {
		t.Errorf("trade created from invalid take: %+v", trades)
	}

	// Untrusted senders are ignored entirely.
	c.HandlePrivate(auth.JID{Local: "taker", Server: "evil", Resource: "res"},
		encode(&msg.ProcessingMessage{Identifier: "self\n42"}))
	if ft.sentCount() != 0 {
		t.Errorf("reply sent to untrusted sender")
	}
}

func TestConnectionState(t *testing.T) {
	c, _ := newTestCore(t, "self")

	if !c.IsConnected() {
		t.Errorf("core is not connected after creation")
	}
	if c.GetAccount() != "self" {
		t.Errorf("unexpected account %q", c.GetAccount())
	}
	if c.GetAssetSpec().GameID() != "gid" {
		t.Errorf("unexpected game ID %q", c.GetAssetSpec().GameID())
	}
}

var _ trade.Wallet = stubWallet{}
var _ trade.GSP = stubGSP{}
var _ muc.Transport = (*fakeTransport)(nil)
