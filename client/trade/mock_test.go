package trade

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcjson"

	"xaya.io/democrit/client/xayarpc"
	"xaya.io/democrit/dem/msg"
)

// fakeSpec is an asset spec for a fictional game "gid" with a fixed set of
// assets and per-account permissions.
type fakeSpec struct {
	assets    map[string]bool
	cannotBuy map[string]bool
	canSell   map[string]bool
	sellBlock string
}

func newFakeSpec() *fakeSpec {
	return &fakeSpec{
		assets:    map[string]bool{"gold": true, "silver": true},
		cannotBuy: make(map[string]bool),
		canSell:   make(map[string]bool),
		sellBlock: "blk",
	}
}

func (s *fakeSpec) GameID() string {
	return "gid"
}

func (s *fakeSpec) IsAsset(asset string) bool {
	return s.assets[asset]
}

func (s *fakeSpec) CanSell(name, asset string, units msg.Amount) (bool, string, error) {
	return s.canSell[name], s.sellBlock, nil
}

func (s *fakeSpec) CanBuy(name, asset string, units msg.Amount) (bool, error) {
	return !s.cannotBuy[name], nil
}

func (s *fakeSpec) GetTransferMove(sender, receiver, asset string,
	units msg.Amount) (json.RawMessage, error) {

	mv := fmt.Sprintf(`{"t":{"a":%q,"n":%d,"r":%q}}`, asset, units, receiver)
	return json.RawMessage(mv), nil
}

// processResult scripts the wallet's signing result for one PSBT.
type processResult struct {
	psbt     string
	complete bool
}

// fakeWallet implements Wallet from lookup tables. PSBTs are opaque strings
// used as keys into the decode and signing tables, so tests fully control
// what any transaction "contains".
type fakeWallet struct {
	mtx sync.Mutex

	// addresses are handed out by GetNewAddress in order.
	addresses []string
	// names maps a full name to its current lookup result.
	names map[string]*xayarpc.NameShowResult
	// utxos maps outpoints to gettxout results; missing means spent.
	utxos map[msg.OutPoint]*btcjson.GetTxOutResult
	// headers maps a block hash to its parent hash.
	headers map[string]string
	// decoded maps an opaque PSBT string to its decoded form.
	decoded map[string]*xayarpc.DecodedPsbt
	// processed maps an opaque PSBT string to its signing result.
	processed map[string]processResult
	// finalized maps an opaque PSBT string to its finalisation result.
	finalized map[string]*xayarpc.FinalizeResult

	// Scripted return values of the construction methods.
	createRes  string
	nameRes    string
	fundedRes  string
	joinRes    string
	combineRes string

	// Recorded calls.
	createdInputs []xayarpc.PsbtInput
	nameUpdates   map[string]string
	fundedOutputs map[string]float64
	joined        [][]string
	combined      [][]string
	sentTxs       []string
	locked        map[msg.OutPoint]bool
}

func newFakeWallet() *fakeWallet {
	return &fakeWallet{
		names:       make(map[string]*xayarpc.NameShowResult),
		utxos:       make(map[msg.OutPoint]*btcjson.GetTxOutResult),
		headers:     make(map[string]string),
		decoded:     make(map[string]*xayarpc.DecodedPsbt),
		processed:   make(map[string]processResult),
		finalized:   make(map[string]*xayarpc.FinalizeResult),
		nameUpdates: make(map[string]string),
		locked:      make(map[msg.OutPoint]bool),
	}
}

func (w *fakeWallet) GetNewAddress() (string, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	if len(w.addresses) == 0 {
		return "", fmt.Errorf("no more addresses scripted")
	}
	addr := w.addresses[0]
	w.addresses = w.addresses[1:]
	return addr, nil
}

func (w *fakeWallet) NameShow(name string) (*xayarpc.NameShowResult, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	res, ok := w.names[name]
	if !ok {
		return nil, fmt.Errorf("name %q does not exist", name)
	}
	return res, nil
}

func (w *fakeWallet) GetTxOut(op msg.OutPoint) (*btcjson.GetTxOutResult, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.utxos[op], nil
}

func (w *fakeWallet) GetBlockHeader(blockHash string) (*btcjson.GetBlockHeaderVerboseResult, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	prev, ok := w.headers[blockHash]
	if !ok {
		return nil, fmt.Errorf("unknown block %q", blockHash)
	}
	return &btcjson.GetBlockHeaderVerboseResult{
		Hash:         blockHash,
		PreviousHash: prev,
	}, nil
}

func (w *fakeWallet) WalletCreateFundedPsbt(outputs map[string]float64,
	feeRateSatVb msg.Amount) (string, error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.fundedOutputs = outputs
	// The wallet locks the inputs it chose; the fake records that for the
	// coin inputs of the decoded funded transaction, if scripted.
	if dec, ok := w.decoded[w.fundedRes]; ok {
		for i := range dec.Tx.Vin {
			w.locked[dec.Tx.Vin[i].OutPoint()] = true
		}
	}
	return w.fundedRes, nil
}

func (w *fakeWallet) CreatePsbt(inputs []xayarpc.PsbtInput,
	outputs map[string]float64) (string, error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.createdInputs = inputs
	return w.createRes, nil
}

func (w *fakeWallet) NamePsbt(psbt string, vout uint32, name, value string) (string, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.nameUpdates[name] = value
	return w.nameRes, nil
}

func (w *fakeWallet) JoinPsbts(psbts []string) (string, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.joined = append(w.joined, psbts)
	return w.joinRes, nil
}

func (w *fakeWallet) CombinePsbt(psbts []string) (string, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.combined = append(w.combined, psbts)
	return w.combineRes, nil
}

func (w *fakeWallet) WalletProcessPsbt(psbt string) (string, bool, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	res, ok := w.processed[psbt]
	if !ok {
		return "", false, fmt.Errorf("no signing result scripted for %q", psbt)
	}
	return res.psbt, res.complete, nil
}

func (w *fakeWallet) FinalizePsbt(psbt string) (*xayarpc.FinalizeResult, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	res, ok := w.finalized[psbt]
	if !ok {
		return nil, fmt.Errorf("no finalisation scripted for %q", psbt)
	}
	return res, nil
}

func (w *fakeWallet) SendRawTransaction(txHex string) (string, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	w.sentTxs = append(w.sentTxs, txHex)
	return "txid", nil
}

func (w *fakeWallet) LockUnspent(unlock bool, ops []msg.OutPoint) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	for _, op := range ops {
		if unlock {
			delete(w.locked, op)
		} else {
			w.locked[op] = true
		}
	}
	return nil
}

func (w *fakeWallet) DecodePsbt(psbt string) (*xayarpc.DecodedPsbt, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	res, ok := w.decoded[psbt]
	if !ok {
		return nil, fmt.Errorf("no decode scripted for %q", psbt)
	}
	return res, nil
}

func (w *fakeWallet) isLocked(op msg.OutPoint) bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return w.locked[op]
}

// fakeGSP scripts the checktrade results per btxid.
type fakeGSP struct {
	mtx     sync.Mutex
	results map[string]*xayarpc.CheckTradeResult
}

func newFakeGSP() *fakeGSP {
	return &fakeGSP{results: make(map[string]*xayarpc.CheckTradeResult)}
}

func (g *fakeGSP) set(btxid, state string, height, tip int64) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	g.results[btxid] = &xayarpc.CheckTradeResult{
		Height: tip,
		Data: xayarpc.CheckTradeData{
			State:  state,
			Height: height,
		},
	}
}

func (g *fakeGSP) CheckTrade(btxid string) (*xayarpc.CheckTradeResult, error) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	res, ok := g.results[btxid]
	if !ok {
		return nil, fmt.Errorf("no checktrade result scripted for %q", btxid)
	}
	return res, nil
}

// Decoded-PSBT building helpers.

func coinValue(sat msg.Amount) float64 {
	return float64(sat) / 1e8
}

func signedInput() xayarpc.PsbtInputSigs {
	return xayarpc.PsbtInputSigs{
		PartialSignatures: map[string]string{"pubkey": "sig"},
	}
}

func unsignedInput() xayarpc.PsbtInputSigs {
	return xayarpc.PsbtInputSigs{}
}

func coinOutput(addr string, sat msg.Amount) xayarpc.DecodedVout {
	return xayarpc.DecodedVout{
		Value: coinValue(sat),
		ScriptPubKey: xayarpc.DecodedScript{
			Address: addr,
		},
	}
}

func nameOutput(addr, name, value string) xayarpc.DecodedVout {
	return xayarpc.DecodedVout{
		Value: coinValue(nameOutputSat),
		ScriptPubKey: xayarpc.DecodedScript{
			Addresses: []string{addr},
			NameOp: &xayarpc.NameOp{
				Op:            "name_update",
				Name:          name,
				NameEncoding:  "utf8",
				Value:         value,
				ValueEncoding: "utf8",
			},
		},
	}
}

func vin(hash string, n uint32) xayarpc.DecodedVin {
	return xayarpc.DecodedVin{Txid: hash, Vout: n}
}
