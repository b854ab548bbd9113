// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package state holds the process-wide mutable state of the trading engine
// behind a single lock.
package state

import (
	"sync"

	"xaya.io/democrit/dem/msg"
)

// TradeData is the full record of one live or archived trade.
type TradeData struct {
	// Order is a snapshot of the maker's order at trade creation, with
	// account and ID filled in.
	Order msg.Order
	// Units is the quantity being traded.
	Units msg.Amount
	// Counterparty is the other party's account name.
	Counterparty string
	// StartTime is the creation time in seconds since the epoch.
	StartTime int64
	// State is the lifecycle state.
	State msg.TradeState
	// SellerData is set once the selling side has provided its addresses.
	SellerData *msg.SellerData
	// OurPsbt is the partially signed transaction produced locally.
	OurPsbt string
	// TheirPsbt is the partially signed transaction received from the
	// counterparty.
	TheirPsbt string
	// ConflictHeight is the height at which an input of the pending trade
	// transaction was first observed to be unspendable. Nil while no
	// conflict is known.
	ConflictHeight *int64
}

// Data is the shared state record. It is only ever accessed through the
// State callbacks.
type Data struct {
	// Account is the own account name.
	Account string
	// Orders is the own order set, keyed by order ID.
	Orders map[uint64]*msg.Order
	// NextFreeID is the next order ID to assign. It increments
	// monotonically and never rewinds.
	NextFreeID uint64
	// Trades are the active trades, in creation order.
	Trades []*TradeData
	// Archive holds the public views of finalised trades, in the order
	// they were finalised.
	Archive []*msg.Trade
}

// State wraps the shared Data behind one exclusive lock. Callbacks run with
// the lock held and must not call back into APIs that acquire it again.
type State struct {
	mtx  sync.Mutex
	data Data
}

// New creates a State for the given own account.
func New(account string) *State {
	return &State{
		data: Data{
			Account: account,
			Orders:  make(map[uint64]*msg.Order),
		},
	}
}

// Access exposes the state in mutable form within the callback.
func (s *State) Access(f func(*Data)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	f(&s.data)
}

// Read exposes the state within the callback. The callback must not modify
// it.
func (s *State) Read(f func(*Data)) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	f(&s.data)
}
