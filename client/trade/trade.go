// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package trade

import (
	"errors"
	"fmt"

	"xaya.io/democrit/client/state"
	"xaya.io/democrit/client/xayarpc"
	"xaya.io/democrit/dem"
	"xaya.io/democrit/dem/msg"
)

// nameOutputSat is the amount carried by a name output. Name outputs hold a
// fixed small amount just above dust.
const nameOutputSat msg.Amount = 1_000_000

// ErrProtocolViolation means the counterparty deviated from the negotiation
// protocol. The affected trade is abandoned.
const ErrProtocolViolation = dem.ErrorKind("trade protocol violation")

// trade wraps one TradeData record from the shared state together with the
// context needed to process it. Instances are short-lived; they are created
// while the state lock is held and discarded when it is released.
type trade struct {
	tm   *Manager
	acct string
	data *state.TradeData
}

// identifier returns the key identifying this trade among all active trades
// of both parties. Newlines cannot occur in account names, so the composite
// cannot be forged by a crafted account name.
func (t *trade) identifier() string {
	return tradeIdentifier(t.data.Order.Account, t.data.Order.ID)
}

func tradeIdentifier(maker string, id uint64) string {
	return fmt.Sprintf("%s\n%d", maker, id)
}

// role returns our role in the trade.
func (t *trade) role() msg.TradeRole {
	if t.data.Order.Account == t.acct {
		return msg.Maker
	}
	return msg.Taker
}

// orderType returns the order type from our point of view: Ask if we are
// selling, Bid if we are buying. The maker keeps the order's type, the taker
// gets the opposite.
func (t *trade) orderType() msg.OrderType {
	if t.role() == msg.Maker {
		return t.data.Order.Type
	}
	switch t.data.Order.Type {
	case msg.Bid:
		return msg.Ask
	case msg.Ask:
		return msg.Bid
	}
	panic(fmt.Sprintf("unexpected order type %d", t.data.Order.Type))
}

func (t *trade) isSeller() bool {
	return t.orderType() == msg.Ask
}

// counterparties returns the buyer and seller account names.
func (t *trade) counterparties() (buyer, seller string) {
	if t.isSeller() {
		return t.data.Counterparty, t.acct
	}
	return t.acct, t.data.Counterparty
}

// checker builds the trade checker for this trade's terms.
func (t *trade) checker() *Checker {
	buyer, seller := t.counterparties()
	return NewChecker(t.tm.spec, t.tm.wallet, t.tm.log,
		buyer, seller, t.data.Order.Asset, t.data.Order.PriceSat, t.data.Units)
}

// publicInfo returns the external view of the trade.
func (t *trade) publicInfo() *msg.Trade {
	return &msg.Trade{
		State:        t.data.State,
		StartTime:    t.data.StartTime,
		Counterparty: t.data.Counterparty,
		Role:         t.role(),
		Type:         t.orderType(),
		Asset:        t.data.Order.Asset,
		Units:        t.data.Units,
		PriceSat:     t.data.Order.PriceSat,
	}
}

// matches reports whether the given inbound message is meant for this trade.
func (t *trade) matches(pm *msg.ProcessingMessage) bool {
	return pm.Identifier == t.identifier() &&
		pm.Counterparty == t.data.Counterparty
}

// initMessage creates an outbound message for this trade. The counterparty
// field never travels over the wire; it tells the sender where to route the
// message.
func (t *trade) initMessage() *msg.ProcessingMessage {
	return &msg.ProcessingMessage{
		Counterparty: t.data.Counterparty,
		Identifier:   t.identifier(),
	}
}

// handleMessage merges the counterparty's message into the trade state. Data
// that does not fit the protocol step is silently ignored; the counterparty
// either is buggy or tries to cheat, and in both cases the negotiation will
// stall and time out.
func (t *trade) handleMessage(pm *msg.ProcessingMessage) {
	if t.data.State != msg.StateInitiated {
		t.tm.log.Debugf("Ignoring message for %s trade", t.data.State)
		return
	}

	if sd := pm.SellerData; sd != nil {
		switch {
		case t.isSeller():
			t.tm.log.Warnf("Ignoring seller data sent to the selling side")
		case t.data.SellerData != nil:
			t.tm.log.Warnf("Ignoring duplicate seller data")
		case sd.NameAddress == "" || sd.ChiAddress == "":
			t.tm.log.Warnf("Ignoring incomplete seller data")
		case sd.NameAddress == sd.ChiAddress:
			t.tm.log.Warnf("Ignoring seller data with equal addresses")
		default:
			t.data.SellerData = sd.PublicCopy()
		}
	}

	if pm.Psbt != nil {
		if t.data.TheirPsbt != "" {
			t.tm.log.Warnf("Ignoring duplicate counterparty PSBT")
		} else {
			t.data.TheirPsbt = pm.Psbt.Psbt
		}
	}
}

// abandon marks the trade abandoned. Resources held for it are released by
// the archival side effects.
func (t *trade) abandon() {
	t.data.State = msg.StateAbandoned
}

// isAbortError classifies errors from the verification primitives that must
// abort the trade, as opposed to transient failures that leave it waiting.
func isAbortError(err error) bool {
	return errors.Is(err, ErrCheckFailed) ||
		errors.Is(err, ErrTotalOverflow) ||
		errors.Is(err, ErrProtocolViolation)
}

// hasReply advances the negotiation as far as the current state allows and
// returns the message to send to the counterparty, if any. A nil message
// with nil error means it is the counterparty's turn. Errors flagged as
// aborting have already abandoned the trade.
func (t *trade) hasReply() (*msg.ProcessingMessage, error) {
	reply, err := t.step()
	if err != nil && isAbortError(err) {
		t.tm.log.Errorf("Aborting trade %q: %v", t.identifier(), err)
		t.abandon()
	}
	return reply, err
}

func (t *trade) step() (*msg.ProcessingMessage, error) {
	if t.data.State != msg.StateInitiated {
		return nil, nil
	}

	if t.isSeller() && t.data.SellerData == nil {
		return t.createSellerData()
	}
	if t.data.SellerData == nil {
		// Buyer waiting for the seller's addresses.
		return nil, nil
	}

	if t.isSeller() {
		if t.data.TheirPsbt == "" {
			return nil, nil
		}
		if t.data.OurPsbt == "" {
			if err := t.signAsSeller(); err != nil {
				return nil, err
			}
		}
	} else if t.data.OurPsbt == "" {
		reply, err := t.constructAsBuyer()
		if err != nil || reply != nil {
			return reply, err
		}
	}

	if t.role() == msg.Taker {
		// Our part is done; the maker completes and broadcasts the
		// transaction while we track it on the chain.
		reply := t.initMessage()
		reply.Psbt = &msg.PsbtMessage{Psbt: t.data.OurPsbt}
		t.data.State = msg.StatePending
		return reply, nil
	}

	if t.data.TheirPsbt == "" {
		return nil, nil
	}
	return nil, t.finaliseAsMaker()
}

// createSellerData retrieves fresh payment addresses from the wallet, locks
// the own current name output so it is not spent away underneath the trade,
// and replies with the addresses. The name outpoint itself stays local.
func (t *trade) createSellerData() (*msg.ProcessingMessage, error) {
	nameAddr, err := t.tm.wallet.GetNewAddress()
	if err != nil {
		return nil, err
	}
	chiAddr, err := t.tm.wallet.GetNewAddress()
	if err != nil {
		return nil, err
	}

	nameData, err := t.tm.wallet.NameShow(xayaName(t.acct))
	if err != nil {
		return nil, err
	}
	nameOutput := &msg.OutPoint{Hash: nameData.Txid, N: nameData.Vout}

	if err := t.tm.wallet.LockUnspent(false, []msg.OutPoint{*nameOutput}); err != nil {
		return nil, err
	}

	t.data.SellerData = &msg.SellerData{
		NameAddress: nameAddr,
		ChiAddress:  chiAddr,
		NameOutput:  nameOutput,
	}

	reply := t.initMessage()
	reply.SellerData = t.data.SellerData.PublicCopy()
	return reply, nil
}

// signAsSeller verifies the buyer-constructed transaction and signs our name
// input. For the maker the result must be complete, since the taker already
// added their signatures; for the taker it must still be incomplete, since
// the maker signs last.
func (t *trade) signAsSeller() error {
	chk := t.checker()
	sd := t.data.SellerData

	if err := chk.CheckForSellerOutputs(t.data.TheirPsbt, sd); err != nil {
		return err
	}

	signed, complete, err := t.tm.wallet.WalletProcessPsbt(t.data.TheirPsbt)
	if err != nil {
		return err
	}

	if err := chk.CheckForSellerSignature(t.data.TheirPsbt, signed, sd); err != nil {
		return err
	}

	if wantComplete := t.role() == msg.Maker; complete != wantComplete {
		return dem.NewError(ErrProtocolViolation,
			fmt.Sprintf("signed transaction complete=%v as %s", complete, t.role()))
	}

	t.data.OurPsbt = signed
	return nil
}

// constructAsBuyer builds the trade transaction: a wallet-funded coin part
// paying the seller, joined with a one-input-one-output name part spending
// the seller's name outpoint into the agreed name update. The wallet then
// signs the coin inputs; the name input necessarily stays unsigned. If we
// are the maker, the unsigned transaction is sent to the seller for their
// signature and verification.
func (t *trade) constructAsBuyer() (*msg.ProcessingMessage, error) {
	chk := t.checker()
	sd := t.data.SellerData
	_, seller := t.counterparties()

	nameInput, err := chk.CheckForBuyerTrade()
	if err != nil {
		return nil, err
	}

	total, err := chk.GetTotalSat()
	if err != nil {
		return nil, err
	}
	value, err := chk.GetNameUpdateValue()
	if err != nil {
		return nil, err
	}

	namePart, err := t.tm.wallet.CreatePsbt(
		[]xayarpc.PsbtInput{{Txid: nameInput.Hash, Vout: nameInput.N}},
		map[string]float64{sd.NameAddress: xayarpc.CoinAmount(nameOutputSat)})
	if err != nil {
		return nil, err
	}
	namePart, err = t.tm.wallet.NamePsbt(namePart, 0, xayaName(seller), value)
	if err != nil {
		return nil, err
	}

	unsigned := namePart
	if total > 0 {
		funded, err := t.tm.wallet.WalletCreateFundedPsbt(
			map[string]float64{sd.ChiAddress: xayarpc.CoinAmount(total)},
			t.tm.cfg.FeeRate)
		if err != nil {
			return nil, err
		}
		unsigned, err = t.tm.wallet.JoinPsbts([]string{funded, namePart})
		if err != nil {
			return nil, err
		}
	}

	signed, _, err := t.tm.wallet.WalletProcessPsbt(unsigned)
	if err != nil {
		t.tm.unlockPsbtInputs(unsigned)
		return nil, err
	}

	if err := chk.CheckForBuyerSignature(unsigned, signed); err != nil {
		t.tm.unlockPsbtInputs(unsigned)
		return nil, err
	}

	t.data.OurPsbt = signed

	if t.role() == msg.Maker {
		reply := t.initMessage()
		reply.Psbt = &msg.PsbtMessage{Psbt: unsigned}
		return reply, nil
	}
	return nil, nil
}

// finaliseAsMaker assembles the fully signed transaction and broadcasts it.
// As the buyer, our signed copy and the seller's are combined; as the
// seller, our copy already contains both parties' signatures.
func (t *trade) finaliseAsMaker() error {
	full := t.data.OurPsbt
	if !t.isSeller() {
		var err error
		full, err = t.tm.wallet.CombinePsbt([]string{t.data.TheirPsbt, t.data.OurPsbt})
		if err != nil {
			return err
		}
	}

	fin, err := t.tm.wallet.FinalizePsbt(full)
	if err != nil {
		return err
	}
	if !fin.Complete {
		t.tm.log.Warnf("Trade transaction does not finalise yet")
		return nil
	}

	txid, err := t.tm.wallet.SendRawTransaction(fin.Hex)
	if err != nil {
		return err
	}

	t.tm.log.Infof("Broadcast trade transaction %s", txid)
	t.data.State = msg.StatePending
	return nil
}

// update advances the trade based on time and chain state. Initiated trades
// abandon after the negotiation timeout. Pending trades track their
// transaction through the game-state processor until it, or a conflicting
// spend of one of its inputs, is buried deep enough.
func (t *trade) update(now int64) {
	switch t.data.State {
	case msg.StateInitiated:
		if now-t.data.StartTime > int64(t.tm.cfg.Timeout.Seconds()) {
			t.tm.log.Infof("Abandoning timed-out trade %q", t.identifier())
			t.abandon()
		}
	case msg.StatePending:
		if err := t.updatePending(); err != nil {
			t.tm.log.Warnf("Cannot update pending trade %q: %v",
				t.identifier(), err)
		}
	}
}

func (t *trade) updatePending() error {
	decoded, err := t.tm.wallet.DecodePsbt(t.data.OurPsbt)
	if err != nil {
		return err
	}

	res, err := t.tm.gsp.CheckTrade(decoded.Tx.Btxid)
	if err != nil {
		return err
	}

	conf := int64(t.tm.cfg.Confirmations)
	switch res.Data.State {
	case xayarpc.TradeConfirmed:
		if res.Data.Height+conf <= res.Height+1 {
			t.tm.log.Infof("Trade %q confirmed", t.identifier())
			t.data.State = msg.StateSuccess
		}
	case xayarpc.TradePending:
		t.data.ConflictHeight = nil
	case xayarpc.TradeUnknown:
		return t.updateConflict(decoded, res.Height)
	default:
		return fmt.Errorf("unexpected checktrade state %q", res.Data.State)
	}
	return nil
}

// updateConflict handles a pending trade whose transaction is neither in the
// mempool nor on the chain. If one of its inputs is gone from the UTXO set,
// a conflicting spend exists; once the conflict observation is old enough,
// the trade has definitely failed. If all inputs still exist, the situation
// is transient and any recorded conflict is cleared.
func (t *trade) updateConflict(decoded *xayarpc.DecodedPsbt, tip int64) error {
	conflicted := false
	for i := range decoded.Tx.Vin {
		utxo, err := t.tm.wallet.GetTxOut(decoded.Tx.Vin[i].OutPoint())
		if err != nil {
			return err
		}
		if utxo == nil {
			conflicted = true
			break
		}
	}

	if !conflicted {
		t.data.ConflictHeight = nil
		return nil
	}

	if t.data.ConflictHeight == nil {
		t.tm.log.Warnf("Trade %q transaction is conflicted as of height %d",
			t.identifier(), tip)
		height := tip
		t.data.ConflictHeight = &height
	}

	conf := int64(t.tm.cfg.Confirmations)
	if *t.data.ConflictHeight+conf <= tip+1 {
		t.tm.log.Warnf("Trade %q failed from a confirmed conflict",
			t.identifier())
		t.data.State = msg.StateFailed
	}
	return nil
}
