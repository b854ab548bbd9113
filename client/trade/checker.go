// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package trade implements the per-trade negotiation state machine and the
// safety checks guarding it. A trade exchanges in-game assets, transferred
// by a name update of the seller's name, against a coin payment in one
// atomic transaction.
package trade

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcjson"

	"xaya.io/democrit/client/asset"
	"xaya.io/democrit/client/xayarpc"
	"xaya.io/democrit/dem"
	"xaya.io/democrit/dem/msg"
)

// Wallet is the subset of the wallet RPC surface the trade logic uses.
// *xayarpc.WalletClient satisfies it.
type Wallet interface {
	GetNewAddress() (string, error)
	NameShow(name string) (*xayarpc.NameShowResult, error)
	GetTxOut(op msg.OutPoint) (*btcjson.GetTxOutResult, error)
	GetBlockHeader(blockHash string) (*btcjson.GetBlockHeaderVerboseResult, error)
	WalletCreateFundedPsbt(outputs map[string]float64, feeRateSatVb msg.Amount) (string, error)
	CreatePsbt(inputs []xayarpc.PsbtInput, outputs map[string]float64) (string, error)
	NamePsbt(psbt string, vout uint32, name, value string) (string, error)
	JoinPsbts(psbts []string) (string, error)
	CombinePsbt(psbts []string) (string, error)
	WalletProcessPsbt(psbt string) (string, bool, error)
	FinalizePsbt(psbt string) (*xayarpc.FinalizeResult, error)
	SendRawTransaction(txHex string) (string, error)
	LockUnspent(unlock bool, ops []msg.OutPoint) error
	DecodePsbt(psbt string) (*xayarpc.DecodedPsbt, error)
}

// GSP is the game-state processor interface the trade logic uses to track
// confirmation of broadcast trade transactions. *xayarpc.GspClient satisfies
// it.
type GSP interface {
	CheckTrade(btxid string) (*xayarpc.CheckTradeResult, error)
}

// Error kinds of the safety checks. Callers abort the affected trade on any
// of them.
const (
	// ErrTotalOverflow means the total price does not fit a signed amount.
	ErrTotalOverflow = dem.ErrorKind("total price overflows")
	// ErrCheckFailed means a trade verification primitive rejected the
	// counterparty's data.
	ErrCheckFailed = dem.ErrorKind("trade check failed")
)

// maxBlockAncestors is how many blocks back the name UTXO's best block may
// lag behind the game-state block. Typically they match directly; the window
// allows for new blocks arriving between the two queries.
const maxBlockAncestors = 3

// xayaName returns the full on-chain name of an account.
func xayaName(account string) string {
	return "p/" + account
}

// Checker bundles the verification primitives for one prospective trade. It
// holds no mutable state; all checks delegate to the wallet and the asset
// spec.
type Checker struct {
	spec   asset.Spec
	wallet Wallet
	log    dem.Logger

	buyer  string
	seller string
	asset  string
	price  msg.Amount
	units  msg.Amount
}

// NewChecker creates a Checker for a trade of the given terms. The buyer and
// seller are plain account names without the name prefix.
func NewChecker(spec asset.Spec, wallet Wallet, log dem.Logger,
	buyer, seller, tradedAsset string, price, units msg.Amount) *Checker {

	return &Checker{
		spec:   spec,
		wallet: wallet,
		log:    log,
		buyer:  buyer,
		seller: seller,
		asset:  tradedAsset,
		price:  price,
		units:  units,
	}
}

// GetNameUpdateValue produces the exact bytes written into the seller's name
// update. Both parties compute this independently and the seller verifies
// the transaction carries it byte for byte, so the serialisation must be
// deterministic: object keys sorted, no whitespace.
func (c *Checker) GetNameUpdateValue() (string, error) {
	mv, err := c.spec.GetTransferMove(c.seller, c.buyer, c.asset, c.units)
	if err != nil {
		return "", err
	}

	g := map[string]json.RawMessage{
		c.spec.GameID(): mv,
		"dem":           json.RawMessage("{}"),
	}
	full := map[string]interface{}{"g": g}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(full); err != nil {
		return "", err
	}
	// Encode appends a newline the wire value must not carry.
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// GetTotalSat returns the total coin payment of the trade. A zero unit count
// gives a zero total. It fails for a negative unit count and if the product
// overflows the signed amount range.
func (c *Checker) GetTotalSat() (msg.Amount, error) {
	if c.units < 0 {
		return 0, fmt.Errorf("invalid unit count %d", c.units)
	}
	if c.units == 0 {
		return 0, nil
	}
	total := c.price * c.units
	if total/c.units != c.price {
		c.log.Warnf("Total overflow for %d units at price %d", c.units, c.price)
		return 0, dem.NewError(ErrTotalOverflow,
			fmt.Sprintf("%d units at %d sat", c.units, c.price))
	}
	return total, nil
}

// isBlockAncestor checks whether ancestor is child or one of its last n
// ancestors, walked via block-header previous-hash lookups. The walk aborts
// at the genesis block.
func (c *Checker) isBlockAncestor(ancestor, child string, n int) (bool, error) {
	for {
		if ancestor == child {
			return true, nil
		}
		if n == 0 {
			return false, nil
		}
		n--

		header, err := c.wallet.GetBlockHeader(child)
		if err != nil {
			return false, err
		}
		if header.PreviousHash == "" {
			// Genesis has no parent.
			return false, nil
		}
		child = header.PreviousHash
	}
}

// CheckForBuyerTrade verifies, before the buyer constructs the transaction,
// that the trade can go through: the asset is valid, the buyer can receive
// it and the seller can send it. On success it returns the seller's current
// name outpoint to spend.
//
// The name output is queried with name_show and confirmed unspent with
// gettxout, which also reports the chain tip at which it was observed. The
// asset spec then confirms the seller can sell at the game state's tip. The
// UTXO tip must be that block or one of its few most recent ancestors:
// since tradable assets only change through explicit name updates, a name
// output created before the game-state block stays valid until it is spent,
// in which case the trade transaction is invalid on the chain level anyway.
// If the seller spent the assets in the very block the game state is at, an
// older UTXO tip must not be trusted, which is what the ancestor check
// enforces.
func (c *Checker) CheckForBuyerTrade() (*msg.OutPoint, error) {
	if !c.spec.IsAsset(c.asset) {
		return nil, dem.NewError(ErrCheckFailed,
			fmt.Sprintf("not a valid asset: %s", c.asset))
	}

	ok, err := c.spec.CanBuy(c.buyer, c.asset, c.units)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dem.NewError(ErrCheckFailed,
			fmt.Sprintf("%s cannot receive %d of %s", c.buyer, c.units, c.asset))
	}

	nameData, err := c.wallet.NameShow(xayaName(c.seller))
	if err != nil {
		return nil, err
	}
	nameInput := &msg.OutPoint{Hash: nameData.Txid, N: nameData.Vout}

	utxo, err := c.wallet.GetTxOut(*nameInput)
	if err != nil {
		return nil, err
	}
	if utxo == nil {
		c.log.Warnf("UTXO from name_show is not found; still syncing? %s",
			nameInput)
		return nil, dem.NewError(ErrCheckFailed, "seller name output not found")
	}

	ok, gspBlock, err := c.spec.CanSell(c.seller, c.asset, c.units)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, dem.NewError(ErrCheckFailed,
			fmt.Sprintf("%s cannot send %d of %s", c.seller, c.units, c.asset))
	}

	anc, err := c.isBlockAncestor(utxo.BestBlock, gspBlock, maxBlockAncestors)
	if err != nil {
		return nil, err
	}
	if !anc {
		c.log.Warnf("UTXO block %s is not an ancestor of GSP block %s; "+
			"still syncing?", utxo.BestBlock, gspBlock)
		return nil, dem.NewError(ErrCheckFailed,
			"name output does not match the game state")
	}

	return nameInput, nil
}

// CheckForSellerOutputs verifies, before the seller signs, that the buyer's
// PSBT pays the trade as agreed: at least one output pays the full total to
// the seller's coin address, and exactly one output is a name update of the
// seller's name carrying the canonical move value, paid to the seller's
// name address. Name outputs never count toward the coin payment, even when
// the addresses coincide. Additional outputs (the buyer's change) are
// ignored.
func (c *Checker) CheckForSellerOutputs(psbt string, sd *msg.SellerData) error {
	decoded, err := c.wallet.DecodePsbt(psbt)
	if err != nil {
		return err
	}

	expectedTotal, err := c.GetTotalSat()
	if err != nil {
		return err
	}

	expectedValue, err := c.GetNameUpdateValue()
	if err != nil {
		return err
	}

	// A zero total needs no explicit coin payment.
	foundCoin := expectedTotal == 0
	nameOutputs := 0

	for _, out := range decoded.Tx.Vout {
		script := &out.ScriptPubKey

		if op := script.NameOp; op != nil {
			if !op.IsUpdateOf(xayaName(c.seller)) {
				continue
			}
			if op.Value != expectedValue {
				continue
			}
			if !script.MatchesAddress(sd.NameAddress) {
				continue
			}
			nameOutputs++
			continue
		}

		if !script.MatchesAddress(sd.ChiAddress) {
			continue
		}
		if out.ValueSat() < expectedTotal {
			continue
		}
		foundCoin = true
	}

	if !foundCoin {
		c.log.Warnf("Expected coin output not found in trade transaction")
		return dem.NewError(ErrCheckFailed, "missing coin payment output")
	}
	if nameOutputs != 1 {
		c.log.Warnf("Expected exactly one name output in trade transaction, found %d",
			nameOutputs)
		return dem.NewError(ErrCheckFailed,
			fmt.Sprintf("%d matching name update outputs", nameOutputs))
	}

	return nil
}

// samePsbtInputs checks that the two decoded transactions spend the same
// outpoints in the same order.
func samePsbtInputs(before, after *xayarpc.DecodedPsbt) error {
	if len(before.Tx.Vin) != len(after.Tx.Vin) {
		return dem.NewError(ErrCheckFailed, "input count changed by signing")
	}
	if len(before.Inputs) != len(before.Tx.Vin) ||
		len(after.Inputs) != len(after.Tx.Vin) {
		return dem.NewError(ErrCheckFailed, "psbt inputs do not parallel vin")
	}
	for i := range before.Tx.Vin {
		if before.Tx.Vin[i] != after.Tx.Vin[i] {
			return dem.NewError(ErrCheckFailed, "input outpoints changed by signing")
		}
	}
	return nil
}

// CheckForBuyerSignature verifies the wallet's signing result on the buyer's
// side: exactly one input, the seller's name input, must remain unsigned.
// If the seller managed to plant an impersonated name the buyer's wallet can
// sign, everything would be signed and the seller could steal the payment
// without giving up the name; this check catches that.
func (c *Checker) CheckForBuyerSignature(before, after string) error {
	decBefore, err := c.wallet.DecodePsbt(before)
	if err != nil {
		return err
	}
	decAfter, err := c.wallet.DecodePsbt(after)
	if err != nil {
		return err
	}
	if err := samePsbtInputs(decBefore, decAfter); err != nil {
		return err
	}

	unsigned := 0
	for i := range decAfter.Inputs {
		if !decAfter.Inputs[i].Signed() {
			unsigned++
		}
	}
	if unsigned != 1 {
		c.log.Warnf("Signed trade transaction has %d unsigned inputs, "+
			"expected exactly the name input", unsigned)
		return dem.NewError(ErrCheckFailed,
			fmt.Sprintf("%d inputs remain unsigned", unsigned))
	}

	return nil
}

// sameInputSigs compares the signature data of one input before and after
// signing.
func sameInputSigs(a, b *xayarpc.PsbtInputSigs) bool {
	if len(a.PartialSignatures) != len(b.PartialSignatures) {
		return false
	}
	for key, sig := range a.PartialSignatures {
		if b.PartialSignatures[key] != sig {
			return false
		}
	}

	if (a.FinalScriptSig == nil) != (b.FinalScriptSig == nil) {
		return false
	}
	if a.FinalScriptSig != nil && *a.FinalScriptSig != *b.FinalScriptSig {
		return false
	}

	if len(a.FinalScriptWitness) != len(b.FinalScriptWitness) {
		return false
	}
	for i, w := range a.FinalScriptWitness {
		if b.FinalScriptWitness[i] != w {
			return false
		}
	}

	return true
}

// CheckForSellerSignature verifies the wallet's signing result on the
// seller's side: the inputs may only have changed at the position spending
// the seller's own name outpoint from the seller data. The buyer could have
// placed extra inputs from the seller's wallet into the transaction, which
// the wallet would happily sign along; this check catches that.
func (c *Checker) CheckForSellerSignature(before, after string,
	sd *msg.SellerData) error {

	if sd.NameOutput == nil {
		return dem.NewError(ErrCheckFailed, "seller data has no name outpoint")
	}

	decBefore, err := c.wallet.DecodePsbt(before)
	if err != nil {
		return err
	}
	decAfter, err := c.wallet.DecodePsbt(after)
	if err != nil {
		return err
	}
	if err := samePsbtInputs(decBefore, decAfter); err != nil {
		return err
	}

	for i := range decAfter.Inputs {
		if decBefore.Tx.Vin[i].OutPoint() == *sd.NameOutput {
			continue
		}
		if !sameInputSigs(&decBefore.Inputs[i], &decAfter.Inputs[i]) {
			c.log.Warnf("Signing changed input %d, which is not our name input", i)
			return dem.NewError(ErrCheckFailed,
				fmt.Sprintf("signing changed foreign input %d", i))
		}
	}

	return nil
}
