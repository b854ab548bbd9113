// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package core composes the trading engine behind a single facade. A Core
// owns the chat connection, the shared orderbook, the own orders and the
// trade manager, and routes chat traffic between them.
package core

import (
	"fmt"
	"time"

	"xaya.io/democrit/client/asset"
	"xaya.io/democrit/client/auth"
	"xaya.io/democrit/client/book"
	"xaya.io/democrit/client/muc"
	"xaya.io/democrit/client/orders"
	"xaya.io/democrit/client/state"
	"xaya.io/democrit/client/trade"
	"xaya.io/democrit/dem"
	"xaya.io/democrit/dem/msg"
	"xaya.io/democrit/dem/wait"
)

const (
	defaultOrderTimeout = 10 * time.Minute
	defaultReconnect    = 10 * time.Second
	defaultTradeTimeout = 30 * time.Second

	defaultConfirmations = 6
	defaultFeeRate       = 1_000

	// tradeUpdateInterval is the tick of the trade manager's periodic
	// update, checking timeouts and chain confirmations.
	tradeUpdateInterval = 5 * time.Second
)

// Config collects everything a Core needs to run.
type Config struct {
	// Spec describes the game whose assets are traded.
	Spec asset.Spec
	// Account is the own Xaya account name.
	Account string
	// JID is the own chat address. It must resolve to Account.
	JID auth.JID
	// Transport is the chat-room connection to use.
	Transport muc.Transport
	// TrustedServers is the comma-separated list of chat servers whose
	// account assertions are accepted.
	TrustedServers string

	// Wallet is the Xaya Core wallet used for trade transactions.
	Wallet trade.Wallet
	// GSP is the game-state processor consulted for trade confirmation.
	GSP trade.GSP

	// OrderTimeout is how long a received order stays in the book without
	// being refreshed, and accordingly how often own orders rebroadcast.
	OrderTimeout time.Duration
	// ReconnectInterval is the tick of the chat reconnecter.
	ReconnectInterval time.Duration
	// TradeTimeout is how long a trade may sit in negotiation before it
	// is abandoned.
	TradeTimeout time.Duration
	// Confirmations is the burial depth at which trades are final.
	Confirmations int
	// FeeRate is the fee rate in satoshi per vbyte for funding trade
	// transactions.
	FeeRate msg.Amount

	Log dem.Logger
}

// applyDefaults fills in the zero fields of the config.
func (cfg *Config) applyDefaults() {
	if cfg.OrderTimeout == 0 {
		cfg.OrderTimeout = defaultOrderTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnect
	}
	if cfg.TradeTimeout == 0 {
		cfg.TradeTimeout = defaultTradeTimeout
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = defaultConfirmations
	}
	if cfg.FeeRate == 0 {
		cfg.FeeRate = defaultFeeRate
	}
	if cfg.Log == nil {
		cfg.Log = dem.Disabled
	}
}

// Core is the assembled trading engine. It implements muc.Handler for the
// chat traffic and orders.Validator and orders.Broadcaster for the own
// order set.
type Core struct {
	cfg Config
	log dem.Logger

	st     *state.State
	auth   *auth.Authenticator
	book   *book.OrderBook
	orders *orders.MyOrders
	trades *trade.Manager
	chat   *muc.Client

	reconnecter *wait.IntervalJob
}

// New assembles a Core from the given config and connects it to the chat
// room. A failed initial connection is not an error; the reconnecter keeps
// trying in the background.
func New(cfg *Config) (*Core, error) {
	c := &Core{cfg: *cfg}
	c.cfg.applyDefaults()
	c.log = c.cfg.Log

	c.auth = auth.NewAuthenticator(c.cfg.TrustedServers, c.log)
	account, err := c.auth.Authenticate(c.cfg.JID)
	if err != nil {
		return nil, fmt.Errorf("cannot authenticate own JID: %w", err)
	}
	if account != c.cfg.Account {
		return nil, fmt.Errorf("own JID %s resolves to account %q, not %q",
			c.cfg.JID, account, c.cfg.Account)
	}

	c.st = state.New(c.cfg.Account)
	c.book = book.New(c.cfg.OrderTimeout, c.log)
	c.chat = muc.New(c.cfg.Transport, c, c.log)
	// The chat client must exist before the own orders start their
	// periodic broadcast refresh.
	c.orders = orders.New(c.st, c, c, c.cfg.OrderTimeout/2, c.log)
	c.trades = trade.NewManager(c.st, c.orders, c.cfg.Spec,
		c.cfg.Wallet, c.cfg.GSP, trade.Config{
			Timeout:        c.cfg.TradeTimeout,
			UpdateInterval: tradeUpdateInterval,
			Confirmations:  c.cfg.Confirmations,
			FeeRate:        c.cfg.FeeRate,
		}, c.log)

	if err := c.chat.Connect(); err != nil {
		c.log.Warnf("Initial chat connection failed: %v", err)
	}
	c.reconnecter = wait.NewIntervalJob(c.cfg.ReconnectInterval, func() {
		if c.chat.IsConnected() {
			return
		}
		if err := c.chat.Connect(); err != nil {
			c.log.Warnf("Chat reconnection failed: %v", err)
		}
	})

	return c, nil
}

// Stop shuts the engine down. All state, including active trades, is held in
// memory only and is not resumed by a later instance.
func (c *Core) Stop() {
	c.reconnecter.Stop()
	c.trades.Stop()
	c.orders.Stop()
	c.book.Stop()
	c.chat.Disconnect()
}

// ValidateOrder implements orders.Validator by delegating to the trade
// manager's order validation.
func (c *Core) ValidateOrder(account string, o *msg.Order) bool {
	return c.trades.ValidateOrder(account, o)
}

// BroadcastOrders implements orders.Broadcaster by publishing the own
// orders to the chat room. While disconnected the broadcast is dropped;
// the periodic refresh sends the orders again once the connection is back.
func (c *Core) BroadcastOrders(oa *msg.OrdersOfAccount) {
	if !c.chat.IsConnected() {
		c.log.Debugf("Not connected, dropping order broadcast")
		return
	}
	stanzas := make(msg.StanzaSet)
	if err := stanzas.Encode(msg.StanzaOrders, oa); err != nil {
		c.log.Errorf("Cannot encode own orders: %v", err)
		return
	}
	if err := c.chat.Publish(stanzas); err != nil {
		c.log.Warnf("Cannot publish own orders: %v", err)
	}
}

// HandleMessage processes a published room message carrying orders of some
// account. Orders failing validation are dropped individually; the rest
// update the shared book.
func (c *Core) HandleMessage(sender auth.JID, stanzas msg.StanzaSet) {
	account, err := c.auth.Authenticate(sender)
	if err != nil {
		c.log.Debugf("Ignoring room message from %s: %v", sender, err)
		return
	}

	var oa msg.OrdersOfAccount
	ok, err := stanzas.Decode(msg.StanzaOrders, &oa)
	if err != nil {
		c.log.Warnf("Invalid orders stanza from %s: %v", account, err)
		return
	}
	if !ok {
		return
	}

	valid := &msg.OrdersOfAccount{
		Account: account,
		Orders:  make(map[uint64]*msg.Order, len(oa.Orders)),
	}
	for id, o := range oa.Orders {
		if !c.trades.ValidateOrder(account, o) {
			c.log.Warnf("Dropping invalid order %d of %s", id, account)
			continue
		}
		valid.Orders[id] = o
	}

	if err := c.book.UpdateOrders(valid); err != nil {
		c.log.Warnf("Cannot update orders of %s: %v", account, err)
	}
}

// HandlePrivate processes a direct message, which carries trade
// negotiation. The reply, if any, goes back to the sender's account.
func (c *Core) HandlePrivate(sender auth.JID, stanzas msg.StanzaSet) {
	account, err := c.auth.Authenticate(sender)
	if err != nil {
		c.log.Debugf("Ignoring private message from %s: %v", sender, err)
		return
	}

	var pm msg.ProcessingMessage
	ok, err := stanzas.Decode(msg.StanzaTrade, &pm)
	if err != nil {
		c.log.Warnf("Invalid trade stanza from %s: %v", account, err)
		return
	}
	if !ok {
		return
	}
	pm.Counterparty = account

	reply := c.trades.ProcessMessage(&pm)
	if reply == nil {
		return
	}
	if err := c.sendTradeMessage(account, reply); err != nil {
		c.log.Warnf("Cannot reply to %s: %v", account, err)
	}
}

// HandleDisconnect purges the orders of an account whose chat presence
// went away.
func (c *Core) HandleDisconnect(jid auth.JID) {
	account, err := c.auth.Authenticate(jid)
	if err != nil {
		return
	}
	purge := &msg.OrdersOfAccount{Account: account}
	if err := c.book.UpdateOrders(purge); err != nil {
		c.log.Warnf("Cannot purge orders of %s: %v", account, err)
	}
}

// sendTradeMessage delivers one negotiation message to the given account
// over its last known chat address.
func (c *Core) sendTradeMessage(account string, pm *msg.ProcessingMessage) error {
	jid, ok := c.auth.LookupJID(account)
	if !ok {
		return fmt.Errorf("no known chat address for %s", account)
	}
	stanzas := make(msg.StanzaSet)
	if err := stanzas.Encode(msg.StanzaTrade, pm); err != nil {
		return fmt.Errorf("cannot encode trade message: %w", err)
	}
	return c.chat.SendTo(jid, stanzas)
}

// AddOrder adds a new own order and broadcasts the updated set.
func (c *Core) AddOrder(o *msg.Order) bool {
	return c.orders.Add(o)
}

// CancelOrder removes an own order by ID. Unknown IDs are ignored; an order
// locked by an active trade is removed as well.
func (c *Core) CancelOrder(id uint64) {
	c.orders.RemoveByID(id)
}

// GetOwnOrders returns the own orders.
func (c *Core) GetOwnOrders() *msg.OrdersOfAccount {
	return c.orders.GetOrders()
}

// GetOrdersForAsset returns the book of bids and asks for one asset.
func (c *Core) GetOrdersForAsset(asset string) *msg.OrderbookForAsset {
	return c.book.GetForAsset(asset)
}

// GetOrdersByAsset returns the full book, grouped by asset.
func (c *Core) GetOrdersByAsset() *msg.OrderbookByAsset {
	return c.book.GetByAsset()
}

// TakeOrder takes a remote order for the given number of units, creating
// the trade and sending the initial negotiation message to the maker.
func (c *Core) TakeOrder(o *msg.Order, units msg.Amount) error {
	pm, err := c.trades.TakeOrder(o, units)
	if err != nil {
		return err
	}
	return c.sendTradeMessage(o.Account, pm)
}

// GetTrades returns all trades: the archived ones in the order they were
// finalised, followed by the active ones in creation order.
func (c *Core) GetTrades() []*msg.Trade {
	return c.trades.GetTrades()
}

// IsConnected returns whether the chat connection is up.
func (c *Core) IsConnected() bool {
	return c.chat.IsConnected()
}

// GetAccount returns the own account name.
func (c *Core) GetAccount() string {
	return c.cfg.Account
}

// GetAssetSpec returns the configured asset spec.
func (c *Core) GetAssetSpec() asset.Spec {
	return c.cfg.Spec
}
