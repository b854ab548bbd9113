// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package trade

import (
	"time"

	"xaya.io/democrit/client/asset"
	"xaya.io/democrit/client/orders"
	"xaya.io/democrit/client/state"
	"xaya.io/democrit/dem"
	"xaya.io/democrit/dem/msg"
	"xaya.io/democrit/dem/wait"
)

// Config collects the tunables of the trade manager.
type Config struct {
	// Timeout is how long a trade may stay in negotiation before it is
	// abandoned.
	Timeout time.Duration
	// UpdateInterval is the tick of the periodic trade updater.
	UpdateInterval time.Duration
	// Confirmations is the burial depth at which a trade transaction, or a
	// conflicting spend, is considered final.
	Confirmations int
	// FeeRate is the fee rate in satoshi per vbyte declared when funding
	// the trade transaction.
	FeeRate msg.Amount
}

// Manager runs the trades of the own account. It creates trades from taken
// orders, routes negotiation messages to them and periodically updates them
// against time and chain state, archiving those that finalised.
type Manager struct {
	log    dem.Logger
	st     *state.State
	orders *orders.MyOrders
	spec   asset.Spec
	wallet Wallet
	gsp    GSP
	cfg    Config

	updater *wait.IntervalJob

	// now returns the current UNIX time. Tests replace it.
	now func() int64
}

// NewManager creates a Manager and starts its periodic updater.
func NewManager(st *state.State, myOrders *orders.MyOrders, spec asset.Spec,
	wallet Wallet, gsp GSP, cfg Config, log dem.Logger) *Manager {

	m := &Manager{
		log:    log,
		st:     st,
		orders: myOrders,
		spec:   spec,
		wallet: wallet,
		gsp:    gsp,
		cfg:    cfg,
		now:    func() int64 { return time.Now().Unix() },
	}
	m.updater = wait.NewIntervalJob(cfg.UpdateInterval, m.runUpdate)
	return m
}

// Stop halts the periodic updater.
func (m *Manager) Stop() {
	m.updater.Stop()
}

// GetTrades returns the public views of all trades: the archived ones in the
// order they were finalised, followed by the active ones in creation order.
func (m *Manager) GetTrades() []*msg.Trade {
	var res []*msg.Trade
	m.st.Read(func(d *state.Data) {
		res = make([]*msg.Trade, 0, len(d.Archive)+len(d.Trades))
		for _, t := range d.Archive {
			cp := *t
			res = append(res, &cp)
		}
		for _, td := range d.Trades {
			t := &trade{tm: m, acct: d.Account, data: td}
			res = append(res, t.publicInfo())
		}
	})
	return res
}

// ValidateOrder checks an order of the given maker for general validity,
// including that the maker can actually fulfil it according to the game
// state. It is applied both to own orders before advertising them and to
// remote orders before accepting them into the orderbook.
func (m *Manager) ValidateOrder(account string, o *msg.Order) bool {
	if o.MaxUnits <= 0 {
		return false
	}
	if o.MinUnits < 0 || o.MinUnits > o.MaxUnits {
		return false
	}
	if o.PriceSat < 0 {
		return false
	}
	if !m.spec.IsAsset(o.Asset) {
		return false
	}

	switch o.Type {
	case msg.Bid:
		ok, err := m.spec.CanBuy(account, o.Asset, o.MaxUnits)
		if err != nil {
			m.log.Warnf("Cannot validate bid of %s: %v", account, err)
			return false
		}
		return ok
	case msg.Ask:
		ok, _, err := m.spec.CanSell(account, o.Asset, o.MaxUnits)
		if err != nil {
			m.log.Warnf("Cannot validate ask of %s: %v", account, err)
			return false
		}
		return ok
	}
	return false
}

// checkOrder verifies that the order has the fields a trade needs and that
// the requested units fit its bounds.
func (m *Manager) checkOrder(o *msg.Order, units msg.Amount) bool {
	if o.Account == "" || o.Asset == "" || o.PriceSat < 0 {
		return false
	}
	if o.Type != msg.Bid && o.Type != msg.Ask {
		return false
	}
	if units <= 0 || units > o.MaxUnits || units < o.MinUnits {
		return false
	}
	return true
}

// TakeOrder takes the given remote order for the given number of units. On
// success it returns the initial message to send to the maker, carrying the
// taking-order announcement plus, when we are the seller, our seller data.
func (m *Manager) TakeOrder(o *msg.Order, units msg.Amount) (*msg.ProcessingMessage, error) {
	if !m.checkOrder(o, units) {
		return nil, dem.NewError(ErrProtocolViolation, "order cannot be taken")
	}

	var (
		reply *msg.ProcessingMessage
		err   error
	)
	m.st.Access(func(d *state.Data) {
		if o.Account == d.Account {
			err = dem.NewError(ErrProtocolViolation, "cannot take own order")
			return
		}

		td := &state.TradeData{
			Order:        *o,
			Units:        units,
			Counterparty: o.Account,
			StartTime:    m.now(),
			State:        msg.StateInitiated,
		}
		d.Trades = append(d.Trades, td)

		t := &trade{tm: m, acct: d.Account, data: td}
		reply, err = t.hasReply()
		if err != nil && td.State == msg.StateInitiated {
			// A failed first step must not leave a half-created trade.
			d.Trades = d.Trades[:len(d.Trades)-1]
			return
		}

		if reply == nil {
			reply = t.initMessage()
		}
		reply.TakingOrder = &msg.TakingOrder{ID: o.ID, Units: units}
	})
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// orderTaken creates the maker-side trade for one of our own orders being
// taken. The order is locked for the duration of the trade. It returns the
// created trade, or nil if the take is rejected.
func (m *Manager) orderTaken(d *state.Data, pm *msg.ProcessingMessage) *state.TradeData {
	to := pm.TakingOrder

	locked := orders.TryLockHeld(d, to.ID)
	if locked == nil {
		m.log.Warnf("Order %d taken by %s is unknown or already locked",
			to.ID, pm.Counterparty)
		return nil
	}

	if pm.Identifier != tradeIdentifier(d.Account, to.ID) {
		m.log.Warnf("Taking order %d with mismatched identifier %q",
			to.ID, pm.Identifier)
		orders.UnlockHeld(d, to.ID)
		return nil
	}
	if pm.Counterparty == d.Account || !m.checkOrder(locked, to.Units) {
		m.log.Warnf("Rejecting take of order %d by %s", to.ID, pm.Counterparty)
		orders.UnlockHeld(d, to.ID)
		return nil
	}

	td := &state.TradeData{
		Order:        *locked,
		Units:        to.Units,
		Counterparty: pm.Counterparty,
		StartTime:    m.now(),
		State:        msg.StateInitiated,
	}
	d.Trades = append(d.Trades, td)
	return td
}

// ProcessMessage routes one received negotiation message. The counterparty
// field must already carry the authenticated sender account. The returned
// reply, if any, goes back to that sender.
func (m *Manager) ProcessMessage(pm *msg.ProcessingMessage) *msg.ProcessingMessage {
	var reply *msg.ProcessingMessage
	m.st.Access(func(d *state.Data) {
		var td *state.TradeData
		fresh := false

		if pm.TakingOrder != nil {
			td = m.orderTaken(d, pm)
			if td == nil {
				return
			}
			fresh = true
		} else {
			for _, cand := range d.Trades {
				t := &trade{tm: m, acct: d.Account, data: cand}
				if t.matches(pm) {
					td = cand
					break
				}
			}
			if td == nil {
				m.log.Warnf("Ignoring message from %s for unknown trade %q",
					pm.Counterparty, pm.Identifier)
				return
			}
		}

		t := &trade{tm: m, acct: d.Account, data: td}
		t.handleMessage(pm)

		var err error
		reply, err = t.hasReply()
		if err != nil {
			m.log.Warnf("Cannot process trade %q: %v", pm.Identifier, err)
			if fresh && td.State == msg.StateInitiated {
				// A transient failure on the very first step undoes the
				// trade creation entirely; the taker will retry or time
				// out on their side.
				d.Trades = d.Trades[:len(d.Trades)-1]
				orders.UnlockHeld(d, td.Order.ID)
			}
		}
	})
	return reply
}

// finalisedTrade captures what the archival side effects need from a trade
// after it left the active set.
type finalisedTrade struct {
	state      msg.TradeState
	role       msg.TradeRole
	seller     bool
	order      msg.Order
	units      msg.Amount
	sellerData *msg.SellerData
	ourPsbt    string
}

// runUpdate updates all active trades and archives the finalised ones. The
// archival side effects touch the wallet and the order set, so they run
// after the state lock is released.
func (m *Manager) runUpdate() {
	now := m.now()

	var done []finalisedTrade
	m.st.Access(func(d *state.Data) {
		remaining := d.Trades[:0]
		for _, td := range d.Trades {
			t := &trade{tm: m, acct: d.Account, data: td}
			t.update(now)

			if !td.State.Finalised() {
				remaining = append(remaining, td)
				continue
			}

			d.Archive = append(d.Archive, t.publicInfo())
			done = append(done, finalisedTrade{
				state:      td.State,
				role:       t.role(),
				seller:     t.isSeller(),
				order:      td.Order,
				units:      td.Units,
				sellerData: td.SellerData,
				ourPsbt:    td.OurPsbt,
			})
		}
		d.Trades = remaining
	})

	for i := range done {
		m.finaliseSideEffects(&done[i])
	}
}

// finaliseSideEffects releases or adjusts the resources a finished trade
// held: the maker's order lock, the seller's name output lock and the
// buyer's transaction input locks.
func (m *Manager) finaliseSideEffects(ft *finalisedTrade) {
	if ft.role == msg.Maker {
		if ft.state == msg.StateSuccess {
			m.orders.RemoveByID(ft.order.ID)

			remaining := ft.order.MaxUnits - ft.units
			if remaining > 0 && remaining >= ft.order.MinUnits {
				reduced := ft.order.Copy()
				reduced.Account = ""
				reduced.ID = 0
				reduced.Locked = false
				reduced.MaxUnits = remaining
				if !m.orders.Add(reduced) {
					m.log.Warnf("Could not re-add reduced order for %d units",
						remaining)
				}
			}
		} else {
			m.orders.Unlock(ft.order.ID)
		}
	}

	if ft.state == msg.StateSuccess {
		return
	}

	if ft.seller {
		if sd := ft.sellerData; sd != nil && sd.NameOutput != nil {
			if err := m.wallet.LockUnspent(true, []msg.OutPoint{*sd.NameOutput}); err != nil {
				m.log.Warnf("Cannot unlock name output: %v", err)
			}
		}
	} else if ft.ourPsbt != "" {
		m.unlockPsbtInputs(ft.ourPsbt)
	}
}

// unlockPsbtInputs releases the wallet locks on all inputs of the given
// transaction, best effort.
func (m *Manager) unlockPsbtInputs(psbt string) {
	decoded, err := m.wallet.DecodePsbt(psbt)
	if err != nil {
		m.log.Warnf("Cannot decode PSBT for input unlock: %v", err)
		return
	}
	ops := make([]msg.OutPoint, 0, len(decoded.Tx.Vin))
	for i := range decoded.Tx.Vin {
		ops = append(ops, decoded.Tx.Vin[i].OutPoint())
	}
	if err := m.wallet.LockUnspent(true, ops); err != nil {
		m.log.Warnf("Cannot unlock trade inputs: %v", err)
	}
}
