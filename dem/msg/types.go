// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package msg

import (
	"encoding/json"
	"fmt"
)

// Amount is a quantity of coin in satoshi or a quantity of asset units. All
// prices are denominated in chain-native satoshi per asset unit.
type Amount = int64

// Stanza names identify the payload types exchanged over the chat transport.
// Published room messages carry an "orders" stanza, private trade negotiation
// messages carry a "trade" stanza.
const (
	// StanzaOrders is the stanza name for an OrdersOfAccount broadcast.
	StanzaOrders = "orders"
	// StanzaTrade is the stanza name for a ProcessingMessage sent privately
	// between two trading parties.
	StanzaTrade = "trade"
)

// StanzaSet is the set of typed payloads carried by one chat message, keyed
// by stanza name. The values are the still-encoded payloads; the receiver
// decodes the stanzas it has registered and drops the rest.
type StanzaSet map[string]json.RawMessage

// Encode marshals v and stores it in the set under the given stanza name.
func (s StanzaSet) Encode(name string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s[name] = raw
	return nil
}

// Decode unmarshals the stanza with the given name into v. It returns false
// if the set does not carry that stanza.
func (s StanzaSet) Decode(name string, v interface{}) (bool, error) {
	raw, ok := s[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, err
	}
	return true, nil
}

// OrderType distinguishes buy orders (bids) from sell orders (asks).
type OrderType uint8

const (
	// Bid is an order to buy assets for coin.
	Bid OrderType = 1
	// Ask is an order to sell assets for coin.
	Ask OrderType = 2
)

var orderTypeNames = map[OrderType]string{
	Bid: "bid",
	Ask: "ask",
}

// String satisfies fmt.Stringer.
func (t OrderType) String() string {
	if name, ok := orderTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown[%d]", uint8(t))
}

// MarshalJSON encodes the OrderType as its string name.
func (t OrderType) MarshalJSON() ([]byte, error) {
	name, ok := orderTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("unknown order type %d", uint8(t))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes the OrderType from its string name.
func (t *OrderType) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "bid":
		*t = Bid
	case "ask":
		*t = Ask
	default:
		return fmt.Errorf("unknown order type %q", name)
	}
	return nil
}

// Order is a single order, either one of our own or one seen in a remote
// account's broadcast. Account and ID are filled in composed views and wire
// forms; they are cleared while the order is stored in the per-account map.
type Order struct {
	// Account is the maker's account name.
	Account string `json:"account,omitempty"`
	// ID is the maker-assigned order ID, stable within the maker's process.
	ID uint64 `json:"id"`
	// Asset is the game-defined asset being traded.
	Asset string `json:"asset"`
	// Type is Bid or Ask from the maker's point of view.
	Type OrderType `json:"type"`
	// PriceSat is the price per asset unit in satoshi.
	PriceSat Amount `json:"price_sat"`
	// MinUnits is the smallest quantity the maker accepts in one trade. A
	// zero value means no lower bound beyond a single unit.
	MinUnits Amount `json:"min_units,omitempty"`
	// MaxUnits is the largest quantity the maker accepts.
	MaxUnits Amount `json:"max_units"`
	// Locked is set on the maker's side while a trade against this order is
	// in flight. Locked orders are retained but never advertised, so the
	// field does not travel over the wire.
	Locked bool `json:"-"`
}

// Copy returns a deep copy of the Order.
func (o *Order) Copy() *Order {
	cp := *o
	return &cp
}

// OrdersOfAccount is one participant's complete advertised order set, as
// broadcast to the shared room.
type OrdersOfAccount struct {
	// Account is the owning account name.
	Account string `json:"account"`
	// Orders maps order ID to order data.
	Orders map[uint64]*Order `json:"orders"`
}

// OrderbookForAsset is the composed view of all known remote orders for one
// asset. Bids are sorted by price descending, asks ascending, with ties
// broken by (account, id) ascending.
type OrderbookForAsset struct {
	Asset string   `json:"asset"`
	Bids  []*Order `json:"bids,omitempty"`
	Asks  []*Order `json:"asks,omitempty"`
}

// OrderbookByAsset composes OrderbookForAsset views across all known assets.
type OrderbookByAsset struct {
	Assets map[string]*OrderbookForAsset `json:"assets"`
}

// OutPoint identifies a transaction output.
type OutPoint struct {
	Hash string `json:"hash"`
	N    uint32 `json:"n"`
}

// String satisfies fmt.Stringer.
func (op OutPoint) String() string {
	return fmt.Sprintf("%s:%d", op.Hash, op.N)
}

// SellerData carries the addresses the seller wants to be paid at. It is
// produced by the selling side of a trade and transmitted to the buyer. The
// seller's current name outpoint is tracked locally only and is stripped
// before transmission.
type SellerData struct {
	// NameAddress is the recipient of the updated name output.
	NameAddress string `json:"name_address"`
	// ChiAddress is the recipient of the coin payment.
	ChiAddress string `json:"chi_address"`
	// NameOutput is the seller's current name UTXO. Local only.
	NameOutput *OutPoint `json:"-"`
}

// PublicCopy returns a copy of the SellerData without the local-only name
// outpoint, suitable for sending to the counterparty.
func (sd *SellerData) PublicCopy() *SellerData {
	return &SellerData{
		NameAddress: sd.NameAddress,
		ChiAddress:  sd.ChiAddress,
	}
}

// TakingOrder initiates a trade. It is sent by the taker to the maker and
// identifies which of the maker's orders is taken and for how many units.
type TakingOrder struct {
	ID    uint64 `json:"id"`
	Units Amount `json:"units"`
}

// PsbtMessage carries a partially signed transaction in the wallet's base64
// serialisation.
type PsbtMessage struct {
	Psbt string `json:"psbt"`
}

// ProcessingMessage is one step of the private trade negotiation protocol.
// Exactly which of the optional fields are present depends on the protocol
// step; see the trade state machine.
type ProcessingMessage struct {
	// Counterparty is the authenticated account name of the other party. It
	// is filled in locally by the receiver and never transmitted.
	Counterparty string `json:"-"`
	// Identifier is the trade identifier, "<maker account>\n<order id>".
	Identifier string `json:"identifier"`
	// TakingOrder is set on the initial taker-to-maker message.
	TakingOrder *TakingOrder `json:"taking_order,omitempty"`
	// SellerData is set on the message from whichever side is the seller.
	SellerData *SellerData `json:"seller_data,omitempty"`
	// Psbt carries a partially signed transaction.
	Psbt *PsbtMessage `json:"psbt,omitempty"`
}

// TradeState is the lifecycle state of a trade.
type TradeState uint8

const (
	// StateInitiated means the trade has been created and negotiation is in
	// progress.
	StateInitiated TradeState = 1
	// StatePending means the trade transaction has been broadcast and
	// confirmation is being tracked.
	StatePending TradeState = 2
	// StateSuccess means the trade transaction confirmed deep enough.
	StateSuccess TradeState = 3
	// StateFailed means an input of the trade transaction was double spent
	// and the conflict confirmed deep enough.
	StateFailed TradeState = 4
	// StateAbandoned means negotiation timed out before broadcast.
	StateAbandoned TradeState = 5
)

var tradeStateNames = map[TradeState]string{
	StateInitiated: "initiated",
	StatePending:   "pending",
	StateSuccess:   "success",
	StateFailed:    "failed",
	StateAbandoned: "abandoned",
}

// String satisfies fmt.Stringer.
func (s TradeState) String() string {
	if name, ok := tradeStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown[%d]", uint8(s))
}

// MarshalJSON encodes the TradeState as its string name.
func (s TradeState) MarshalJSON() ([]byte, error) {
	name, ok := tradeStateNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown trade state %d", uint8(s))
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes the TradeState from its string name.
func (s *TradeState) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	for st, n := range tradeStateNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown trade state %q", name)
}

// Finalised reports whether the state is terminal.
func (s TradeState) Finalised() bool {
	switch s {
	case StateSuccess, StateFailed, StateAbandoned:
		return true
	}
	return false
}

// TradeRole is the local user's role in a trade.
type TradeRole uint8

const (
	// Maker is the party whose order is being executed.
	Maker TradeRole = 1
	// Taker is the party who triggered the execution.
	Taker TradeRole = 2
)

// String satisfies fmt.Stringer.
func (r TradeRole) String() string {
	switch r {
	case Maker:
		return "maker"
	case Taker:
		return "taker"
	}
	return fmt.Sprintf("unknown[%d]", uint8(r))
}

// MarshalJSON encodes the TradeRole as its string name.
func (r TradeRole) MarshalJSON() ([]byte, error) {
	switch r {
	case Maker, Taker:
		return json.Marshal(r.String())
	}
	return nil, fmt.Errorf("unknown trade role %d", uint8(r))
}

// UnmarshalJSON decodes the TradeRole from its string name.
func (r *TradeRole) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return err
	}
	switch name {
	case "maker":
		*r = Maker
	case "taker":
		*r = Taker
	default:
		return fmt.Errorf("unknown trade role %q", name)
	}
	return nil
}

// Trade is the public view of one trade, active or archived, as returned by
// the daemon's trade listing.
type Trade struct {
	State        TradeState `json:"state"`
	StartTime    int64      `json:"start_time"`
	Counterparty string     `json:"counterparty"`
	Role         TradeRole  `json:"role"`
	Type         OrderType  `json:"type"`
	Asset        string     `json:"asset"`
	Units        Amount     `json:"units"`
	PriceSat     Amount     `json:"price_sat"`
}
