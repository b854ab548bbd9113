// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package xayarpc

import (
	"xaya.io/democrit/dem/msg"
)

// NameOp is a name operation attached to an output script, as reported by
// decodepsbt under scriptPubKey.nameOp.
type NameOp struct {
	Op            string `json:"op"`
	Name          string `json:"name"`
	NameEncoding  string `json:"name_encoding"`
	Value         string `json:"value"`
	ValueEncoding string `json:"value_encoding"`
}

// IsUpdateOf reports whether the operation is a name_update of the given
// name with both the name and value reported in UTF-8. The wallet must be
// configured with UTF-8 encodings; an operation reported in any other
// encoding is never accepted.
func (op *NameOp) IsUpdateOf(name string) bool {
	return op.Op == "name_update" && op.Name == name &&
		op.NameEncoding == "utf8" && op.ValueEncoding == "utf8"
}

// DecodedScript is the scriptPubKey of a decoded output. Depending on the
// wallet version, the destination is reported either as a single address or
// as an addresses array with one entry.
type DecodedScript struct {
	Address   string   `json:"address,omitempty"`
	Addresses []string `json:"addresses,omitempty"`
	NameOp    *NameOp  `json:"nameOp,omitempty"`
}

// MatchesAddress reports whether the script pays to the given address.
func (s *DecodedScript) MatchesAddress(addr string) bool {
	if s.Address != "" {
		return s.Address == addr
	}
	return len(s.Addresses) == 1 && s.Addresses[0] == addr
}

// DecodedVin is one input of the decoded unsigned transaction.
type DecodedVin struct {
	Txid string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// OutPoint returns the input's previous outpoint.
func (in *DecodedVin) OutPoint() msg.OutPoint {
	return msg.OutPoint{Hash: in.Txid, N: in.Vout}
}

// DecodedVout is one output of the decoded unsigned transaction. The value
// is coin denominated as in the wallet's JSON interface.
type DecodedVout struct {
	Value        float64       `json:"value"`
	N            uint32        `json:"n"`
	ScriptPubKey DecodedScript `json:"scriptPubKey"`
}

// ValueSat returns the output value in satoshi.
func (out *DecodedVout) ValueSat() msg.Amount {
	return msg.Amount(out.Value*1e8 + 0.5)
}

// DecodedTx is the unsigned transaction of a decoded PSBT. Btxid is the
// transaction ID without signatures, which is stable across signing and is
// what the game-state processor tracks.
type DecodedTx struct {
	Txid  string        `json:"txid"`
	Btxid string        `json:"btxid"`
	Vin   []DecodedVin  `json:"vin"`
	Vout  []DecodedVout `json:"vout"`
}

// PsbtInputSigs is the per-input signature data of a decoded PSBT. A fully
// signed input carries a final script or witness; a partially signed one
// carries partial signatures.
type PsbtInputSigs struct {
	PartialSignatures map[string]string `json:"partial_signatures,omitempty"`
	FinalScriptSig    *struct {
		Asm string `json:"asm"`
		Hex string `json:"hex"`
	} `json:"final_scriptSig,omitempty"`
	FinalScriptWitness []string `json:"final_scriptwitness,omitempty"`
}

// Signed reports whether any signature data is attached to the input.
func (in *PsbtInputSigs) Signed() bool {
	return len(in.PartialSignatures) > 0 || in.FinalScriptSig != nil ||
		len(in.FinalScriptWitness) > 0
}

// DecodedPsbt is the JSON form of a PSBT as returned by decodepsbt. The
// inputs array parallels tx.vin.
type DecodedPsbt struct {
	Tx     DecodedTx       `json:"tx"`
	Inputs []PsbtInputSigs `json:"inputs"`
}
