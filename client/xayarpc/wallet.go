// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package xayarpc

import (
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"

	"xaya.io/democrit/dem"
	"xaya.io/democrit/dem/msg"
)

const (
	methodGetNewAddress          = "getnewaddress"
	methodNameShow               = "name_show"
	methodGetTxOut               = "gettxout"
	methodGetBlockHeader         = "getblockheader"
	methodWalletCreateFundedPsbt = "walletcreatefundedpsbt"
	methodCreatePsbt             = "createpsbt"
	methodNamePsbt               = "namepsbt"
	methodJoinPsbts              = "joinpsbts"
	methodCombinePsbt            = "combinepsbt"
	methodWalletProcessPsbt      = "walletprocesspsbt"
	methodFinalizePsbt           = "finalizepsbt"
	methodSendRawTransaction     = "sendrawtransaction"
	methodLockUnspent            = "lockunspent"
	methodDecodePsbt             = "decodepsbt"
)

// CoinAmount converts a satoshi amount to the coin-denominated float that the
// wallet's JSON interface expects.
func CoinAmount(sat msg.Amount) float64 {
	return btcutil.Amount(sat).ToBTC()
}

// NameShowResult is the result of the name_show RPC.
type NameShowResult struct {
	Name          string `json:"name"`
	NameEncoding  string `json:"name_encoding"`
	Value         string `json:"value"`
	ValueEncoding string `json:"value_encoding"`
	Txid          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Address       string `json:"address"`
	Height        int64  `json:"height"`
	IsMine        bool   `json:"ismine"`
}

// FinalizeResult is the result of the finalizepsbt RPC. Exactly one of Hex
// and Psbt is set, depending on whether the transaction became complete.
type FinalizeResult struct {
	Psbt     string `json:"psbt,omitempty"`
	Hex      string `json:"hex,omitempty"`
	Complete bool   `json:"complete"`
}

// PsbtInput references a transaction output being spent by a PSBT under
// construction.
type PsbtInput struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// WalletClient exposes the Xaya wallet RPC methods the trading logic needs,
// built on a RawRequester.
type WalletClient struct {
	requester RawRequester
	log       dem.Logger
}

// NewWalletClient creates a WalletClient on top of the given requester.
func NewWalletClient(requester RawRequester, log dem.Logger) *WalletClient {
	return &WalletClient{
		requester: requester,
		log:       log,
	}
}

func (wc *WalletClient) call(method string, args anylist, thing interface{}) error {
	return call(wc.requester, method, args, thing)
}

// GetNewAddress retrieves a fresh address from the wallet.
func (wc *WalletClient) GetNewAddress() (string, error) {
	var addr string
	return addr, wc.call(methodGetNewAddress, nil, &addr)
}

// NameShow looks up the current state of a name, including the outpoint of
// its latest update.
func (wc *WalletClient) NameShow(name string) (*NameShowResult, error) {
	res := new(NameShowResult)
	return res, wc.call(methodNameShow, anylist{name}, res)
}

// GetTxOut returns the unspent transaction output, or nil if the output is
// spent or unknown. Mempool spends are taken into account.
func (wc *WalletClient) GetTxOut(op msg.OutPoint) (*btcjson.GetTxOutResult, error) {
	// A pointer to the pointer lets json.Unmarshal nil the result if the
	// method returns the JSON null.
	var res *btcjson.GetTxOutResult
	return res, wc.call(methodGetTxOut, anylist{op.Hash, op.N, true}, &res)
}

// GetBlockHeader returns the verbose header of the block with the given hash.
func (wc *WalletClient) GetBlockHeader(blockHash string) (*btcjson.GetBlockHeaderVerboseResult, error) {
	res := new(btcjson.GetBlockHeaderVerboseResult)
	return res, wc.call(methodGetBlockHeader, anylist{blockHash}, res)
}

// fundOptions are the options passed to walletcreatefundedpsbt.
type fundOptions struct {
	FeeRate      float64 `json:"fee_rate"`
	LockUnspents bool    `json:"lock_unspents"`
}

// WalletCreateFundedPsbt has the wallet construct and fund a PSBT paying the
// given address-to-coin-amount outputs, locking the chosen inputs in the
// wallet. feeRateSatVb is the declared fee rate in satoshi per vbyte.
func (wc *WalletClient) WalletCreateFundedPsbt(outputs map[string]float64,
	feeRateSatVb msg.Amount) (string, error) {

	res := &struct {
		Psbt      string  `json:"psbt"`
		Fee       float64 `json:"fee"`
		ChangePos int     `json:"changepos"`
	}{}
	opts := fundOptions{
		FeeRate:      float64(feeRateSatVb),
		LockUnspents: true,
	}
	err := wc.call(methodWalletCreateFundedPsbt,
		anylist{[]PsbtInput{}, []map[string]float64{outputs}, 0, opts}, res)
	if err != nil {
		return "", err
	}
	return res.Psbt, nil
}

// CreatePsbt constructs an unfunded, unsigned PSBT with exactly the given
// inputs and outputs.
func (wc *WalletClient) CreatePsbt(inputs []PsbtInput, outputs map[string]float64) (string, error) {
	var psbt string
	return psbt, wc.call(methodCreatePsbt,
		anylist{inputs, []map[string]float64{outputs}}, &psbt)
}

// NamePsbt turns the given output of a PSBT into a name operation.
func (wc *WalletClient) NamePsbt(psbt string, vout uint32, name, value string) (string, error) {
	res := &struct {
		Psbt string `json:"psbt"`
	}{}
	op := map[string]string{
		"op":    "name_update",
		"name":  name,
		"value": value,
	}
	err := wc.call(methodNamePsbt, anylist{psbt, vout, op}, res)
	if err != nil {
		return "", err
	}
	return res.Psbt, nil
}

// JoinPsbts concatenates the inputs and outputs of the given PSBTs, in order,
// into a single PSBT.
func (wc *WalletClient) JoinPsbts(psbts []string) (string, error) {
	var joined string
	return joined, wc.call(methodJoinPsbts, anylist{psbts}, &joined)
}

// CombinePsbt merges multiple partially signed copies of the same underlying
// transaction into one.
func (wc *WalletClient) CombinePsbt(psbts []string) (string, error) {
	var combined string
	return combined, wc.call(methodCombinePsbt, anylist{psbts}, &combined)
}

// WalletProcessPsbt has the wallet sign all inputs of the PSBT it is able to
// sign. It returns the updated PSBT and whether it is now complete.
func (wc *WalletClient) WalletProcessPsbt(psbt string) (string, bool, error) {
	res := &struct {
		Psbt     string `json:"psbt"`
		Complete bool   `json:"complete"`
	}{}
	err := wc.call(methodWalletProcessPsbt, anylist{psbt}, res)
	if err != nil {
		return "", false, err
	}
	return res.Psbt, res.Complete, nil
}

// FinalizePsbt attempts to finalise the PSBT into a broadcastable raw
// transaction.
func (wc *WalletClient) FinalizePsbt(psbt string) (*FinalizeResult, error) {
	res := new(FinalizeResult)
	return res, wc.call(methodFinalizePsbt, anylist{psbt}, res)
}

// SendRawTransaction broadcasts the hex-serialised transaction and returns
// its txid.
func (wc *WalletClient) SendRawTransaction(txHex string) (string, error) {
	var txid string
	return txid, wc.call(methodSendRawTransaction, anylist{txHex}, &txid)
}

// LockUnspent locks (unlock=false) or unlocks (unlock=true) the given wallet
// outputs. Unlocking outputs the wallet does not know is not an error; the
// wallet's complaint is logged and swallowed.
func (wc *WalletClient) LockUnspent(unlock bool, ops []msg.OutPoint) error {
	rpcops := make([]PsbtInput, 0, len(ops))
	for _, op := range ops {
		rpcops = append(rpcops, PsbtInput{Txid: op.Hash, Vout: op.N})
	}
	var success bool
	err := wc.call(methodLockUnspent, anylist{unlock, rpcops}, &success)
	if err != nil {
		if unlock {
			wc.log.Debugf("Ignoring lockunspent error while unlocking: %v", err)
			return nil
		}
		return err
	}
	if !success {
		return errors.New("lockunspent reported failure")
	}
	return nil
}

// DecodePsbt decodes the PSBT into its JSON form, including the unsigned
// transaction with its btxid and any name operations on the outputs.
func (wc *WalletClient) DecodePsbt(psbt string) (*DecodedPsbt, error) {
	res := new(DecodedPsbt)
	return res, wc.call(methodDecodePsbt, anylist{psbt}, res)
}

// IsRPCErrorCode reports whether the error is a btcjson RPCError carrying the
// given code.
func IsRPCErrorCode(err error, code btcjson.RPCErrorCode) bool {
	var rpcErr *btcjson.RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

// IsMethodNotFound reports whether the error indicates the RPC method does
// not exist on the server. Used to produce clearer startup errors when the
// configured endpoint is not a Xaya wallet.
func IsMethodNotFound(err error) bool {
	if err == nil {
		return false
	}
	return IsRPCErrorCode(err, btcjson.ErrRPCMethodNotFound.Code) ||
		strings.Contains(err.Error(), "Method not found")
}
