// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package orders manages the own advertised order set. Orders live inside
// the shared state record and are periodically revalidated and re-broadcast
// so that remote orderbooks do not time them out.
package orders

import (
	"fmt"
	"time"

	"xaya.io/democrit/client/state"
	"xaya.io/democrit/dem"
	"xaya.io/democrit/dem/msg"
	"xaya.io/democrit/dem/wait"
)

// Validator decides whether an order is acceptable for the given maker
// account. It is consulted when an order is added and again on every
// periodic refresh.
type Validator interface {
	ValidateOrder(account string, o *msg.Order) bool
}

// Broadcaster publishes the own advertised order set to the trading room.
// Implementations are expected to drop the broadcast silently while the
// chat connection is down.
type Broadcaster interface {
	BroadcastOrders(oa *msg.OrdersOfAccount)
}

// MyOrders is the manager of the own order set.
type MyOrders struct {
	log         dem.Logger
	st          *state.State
	validator   Validator
	broadcaster Broadcaster

	refresher *wait.IntervalJob
}

// New creates a MyOrders storing its data in the given state and starts the
// periodic refresher. The refresh interval should be about half the gossip
// timeout of remote orderbooks.
func New(st *state.State, validator Validator, broadcaster Broadcaster,
	refreshInterval time.Duration, log dem.Logger) *MyOrders {

	mo := &MyOrders{
		log:         log,
		st:          st,
		validator:   validator,
		broadcaster: broadcaster,
	}
	mo.refresher = wait.NewIntervalJob(refreshInterval, mo.runRefresh)
	return mo
}

// Stop halts the periodic refresher.
func (mo *MyOrders) Stop() {
	mo.refresher.Stop()
}

// runRefresh revalidates the unlocked orders, dropping those that became
// invalid, and broadcasts the advertised set. Locked orders are retained
// untouched; they are mid-trade and not advertised anyway.
func (mo *MyOrders) runRefresh() {
	mo.log.Tracef("Refreshing set of own orders...")

	var adv *msg.OrdersOfAccount
	mo.st.Access(func(d *state.Data) {
		for id, o := range d.Orders {
			if o.Locked {
				continue
			}
			if !mo.validator.ValidateOrder(d.Account, o) {
				mo.log.Warnf("Dropping invalid own order %d (%s %s at %d)",
					id, o.Type, o.Asset, o.PriceSat)
				delete(d.Orders, id)
			}
		}
		adv = advertised(d)
	})

	mo.broadcaster.BroadcastOrders(adv)
}

// advertised builds the broadcast form of the order set, excluding locked
// orders. The caller must hold the state lock.
func advertised(d *state.Data) *msg.OrdersOfAccount {
	res := &msg.OrdersOfAccount{
		Account: d.Account,
		Orders:  make(map[uint64]*msg.Order),
	}
	for id, o := range d.Orders {
		if !o.Locked {
			res.Orders[id] = o.Copy()
		}
	}
	return res
}

// Add validates the order and, on success, assigns it the next free ID and
// stores it. Any incoming account, ID or lock flag is cleared. A refresh is
// triggered so the new order is broadcast right away.
func (mo *MyOrders) Add(o *msg.Order) bool {
	added := false
	mo.st.Access(func(d *state.Data) {
		if !mo.validator.ValidateOrder(d.Account, o) {
			mo.log.Warnf("Added order is invalid: %s %s at %d",
				o.Type, o.Asset, o.PriceSat)
			return
		}

		cp := o.Copy()
		cp.Account = ""
		cp.ID = 0
		cp.Locked = false

		id := d.NextFreeID
		d.NextFreeID++

		mo.log.Debugf("Adding new order with ID %d: %s %s at %d",
			id, cp.Type, cp.Asset, cp.PriceSat)
		d.Orders[id] = cp
		added = true
	})

	if added {
		mo.runRefresh()
	}
	return added
}

// RemoveByID removes the order with the given ID. Removing an unknown ID is
// fine.
func (mo *MyOrders) RemoveByID(id uint64) {
	mo.st.Access(func(d *state.Data) {
		mo.log.Debugf("Removing order with ID %d", id)
		delete(d.Orders, id)
	})

	mo.runRefresh()
}

// GetOrders returns a copy of the complete own order set, including locked
// orders, with the account name filled in.
func (mo *MyOrders) GetOrders() *msg.OrdersOfAccount {
	res := new(msg.OrdersOfAccount)
	mo.st.Read(func(d *state.Data) {
		res.Account = d.Account
		res.Orders = make(map[uint64]*msg.Order, len(d.Orders))
		for id, o := range d.Orders {
			res.Orders[id] = o.Copy()
		}
	})
	return res
}

// TryLockHeld is TryLock for callers already inside a state callback.
func TryLockHeld(d *state.Data, id uint64) *msg.Order {
	o, ok := d.Orders[id]
	if !ok || o.Locked {
		return nil
	}
	o.Locked = true

	res := o.Copy()
	res.Account = d.Account
	res.ID = id
	return res
}

// TryLock atomically locks the order with the given ID if it is present and
// not already locked, returning a copy with account and ID filled in. It
// returns nil if the order is absent or locked already.
func (mo *MyOrders) TryLock(id uint64) *msg.Order {
	var res *msg.Order
	mo.st.Access(func(d *state.Data) {
		res = TryLockHeld(d, id)
	})

	if res != nil {
		mo.log.Debugf("Locked order %d", id)
	}
	return res
}

// UnlockHeld is Unlock for callers already inside a state callback.
func UnlockHeld(d *state.Data, id uint64) {
	o, ok := d.Orders[id]
	if !ok {
		panic(fmt.Sprintf("unlock of unknown order %d", id))
	}
	if !o.Locked {
		panic(fmt.Sprintf("order %d is not locked", id))
	}
	o.Locked = false
}

// Unlock releases the lock on the order with the given ID. The order must
// exist and be locked; anything else indicates corrupted bookkeeping.
func (mo *MyOrders) Unlock(id uint64) {
	mo.st.Access(func(d *state.Data) {
		UnlockHeld(d, id)
	})
	mo.log.Debugf("Unlocked order %d", id)
}
