// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package book maintains the aggregated view of remote accounts' advertised
// orders, with inactivity timeouts.
package book

import (
	"sort"
	"sync"
	"time"

	"xaya.io/democrit/dem"
	"xaya.io/democrit/dem/msg"
	"xaya.io/democrit/dem/wait"
)

// defaultTick caps the timeout check interval.
const defaultTick = 10 * time.Second

// accountOrders is the stored order set of one remote account together with
// the time of the last refresh.
type accountOrders struct {
	orders     map[uint64]*msg.Order
	lastUpdate time.Time
}

// update is one entry of the timeout FIFO.
type update struct {
	account string
	time    time.Time
}

// OrderBook collects the orders broadcast by remote accounts and expires
// entries that are not refreshed within the configured timeout.
type OrderBook struct {
	log     dem.Logger
	timeout time.Duration

	mtx    sync.Mutex
	orders map[string]*accountOrders
	// updates is a FIFO of (account, stamp) pairs used to cheaply find
	// expiration candidates. A stamp superseded by a newer update is
	// harmless; it is popped and ignored.
	updates []update

	timeouter *wait.IntervalJob
}

// New creates an OrderBook expiring entries after the given timeout and
// starts its background timeout job.
func New(timeout time.Duration, log dem.Logger) *OrderBook {
	ob := &OrderBook{
		log:     log,
		timeout: timeout,
		orders:  make(map[string]*accountOrders),
	}
	tick := timeout
	if tick > defaultTick {
		tick = defaultTick
	}
	ob.timeouter = wait.NewIntervalJob(tick, ob.runTimeout)
	return ob
}

// Stop halts the background timeout job.
func (ob *OrderBook) Stop() {
	ob.timeouter.Stop()
}

func (ob *OrderBook) runTimeout() {
	ob.log.Tracef("Running timeout tick...")

	ob.mtx.Lock()
	defer ob.mtx.Unlock()
	cutoff := time.Now().Add(-ob.timeout)

	for len(ob.updates) > 0 && ob.updates[0].time.Before(cutoff) {
		account := ob.updates[0].account
		ob.updates = ob.updates[1:]

		ao, ok := ob.orders[account]
		if !ok {
			continue
		}
		if ao.lastUpdate.Before(cutoff) {
			ob.log.Debugf("Timing out orders of %s", account)
			delete(ob.orders, account)
		}
	}
}

// validOrder reports whether an inbound gossip order carries the fields a
// remote order must have. Further game-specific validation is done by the
// receiver before the set reaches the book.
func validOrder(o *msg.Order) bool {
	if o == nil || o.Asset == "" {
		return false
	}
	if o.Type != msg.Bid && o.Type != msg.Ask {
		return false
	}
	return o.PriceSat >= 0 && o.MaxUnits > 0
}

// UpdateOrders replaces the stored order set of the broadcasting account. An
// empty set deletes the account's entry. Sets containing malformed orders
// are rejected.
func (ob *OrderBook) UpdateOrders(upd *msg.OrdersOfAccount) error {
	if upd.Account == "" {
		return dem.NewError(ErrInvalidOrders, "missing account")
	}
	for _, o := range upd.Orders {
		if !validOrder(o) {
			return dem.NewError(ErrInvalidOrders, "malformed order of "+upd.Account)
		}
	}

	ob.mtx.Lock()
	defer ob.mtx.Unlock()
	now := time.Now()

	if len(upd.Orders) == 0 {
		ob.log.Debugf("Deleting all orders of %s", upd.Account)
		delete(ob.orders, upd.Account)
		return nil
	}

	ob.log.Debugf("Updating orders of %s", upd.Account)
	ob.updates = append(ob.updates, update{account: upd.Account, time: now})
	ob.orders[upd.Account] = &accountOrders{
		orders:     upd.Orders,
		lastUpdate: now,
	}
	return nil
}

// ErrInvalidOrders is returned for inbound order sets that fail validation.
const ErrInvalidOrders = dem.ErrorKind("invalid orders update")

// sortOrders sorts by price, with ties broken by account and then ID
// ascending. Bids are sorted by price descending, asks ascending.
func sortOrders(orders []*msg.Order, priceDesc bool) {
	sort.Slice(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if a.PriceSat != b.PriceSat {
			if priceDesc {
				return a.PriceSat > b.PriceSat
			}
			return a.PriceSat < b.PriceSat
		}
		if a.Account != b.Account {
			return a.Account < b.Account
		}
		return a.ID < b.ID
	})
}

// composeByAsset builds the composed view, restricted to one asset if asset
// is non-nil. The caller must hold the mutex.
func (ob *OrderBook) composeByAsset(asset *string) *msg.OrderbookByAsset {
	res := &msg.OrderbookByAsset{Assets: make(map[string]*msg.OrderbookForAsset)}
	for account, ao := range ob.orders {
		for id, order := range ao.orders {
			if asset != nil && order.Asset != *asset {
				continue
			}

			o := order.Copy()
			o.Account = account
			o.ID = id

			forAsset, ok := res.Assets[o.Asset]
			if !ok {
				forAsset = &msg.OrderbookForAsset{Asset: o.Asset}
				res.Assets[o.Asset] = forAsset
			}
			switch o.Type {
			case msg.Bid:
				forAsset.Bids = append(forAsset.Bids, o)
			case msg.Ask:
				forAsset.Asks = append(forAsset.Asks, o)
			}
		}
	}

	for _, forAsset := range res.Assets {
		sortOrders(forAsset.Bids, true)
		sortOrders(forAsset.Asks, false)
	}
	return res
}

// GetForAsset returns the composed orderbook for one asset.
func (ob *OrderBook) GetForAsset(asset string) *msg.OrderbookForAsset {
	ob.mtx.Lock()
	defer ob.mtx.Unlock()

	all := ob.composeByAsset(&asset)
	if forAsset, ok := all.Assets[asset]; ok {
		return forAsset
	}
	return &msg.OrderbookForAsset{Asset: asset}
}

// GetByAsset returns the composed orderbook across all known assets.
func (ob *OrderBook) GetByAsset() *msg.OrderbookByAsset {
	ob.mtx.Lock()
	defer ob.mtx.Unlock()
	return ob.composeByAsset(nil)
}
