// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package nf implements the asset spec for the nonfungible game. Assets are
// tokens identified by their minter account and asset name; the package
// queries the nonfungible GSP over JSON-RPC for existence and balances.
package nf

import (
	"encoding/json"
	"fmt"
	"strings"

	"xaya.io/democrit/client/xayarpc"
	"xaya.io/democrit/dem"
	"xaya.io/democrit/dem/msg"
)

// assetSep joins minter and asset name into one asset string. Neither part
// can contain a newline, so the split is unambiguous.
const assetSep = "\n"

// AssetString composes the asset string for a token of the given minter.
func AssetString(minter, name string) string {
	return minter + assetSep + name
}

// wireAsset is the JSON form of an asset in GSP calls and transfer moves.
type wireAsset struct {
	Minter string `json:"m"`
	Name   string `json:"a"`
}

// parseAsset splits an asset string into its wire form. It returns false
// for strings that cannot denote a nonfungible token.
func parseAsset(asset string) (wireAsset, bool) {
	minter, name, found := strings.Cut(asset, assetSep)
	if !found || strings.Contains(name, assetSep) {
		return wireAsset{}, false
	}
	return wireAsset{Minter: minter, Name: name}, true
}

// Spec is the nonfungible asset spec. It is safe for concurrent use if the
// underlying requester is.
type Spec struct {
	gsp xayarpc.RawRequester
	log dem.Logger
}

// New creates a Spec querying the given nonfungible GSP connection.
func New(gsp xayarpc.RawRequester, log dem.Logger) *Spec {
	return &Spec{
		gsp: gsp,
		log: log,
	}
}

// GameID returns the game ID of the nonfungible GSP.
func (s *Spec) GameID() string {
	return "nf"
}

// call invokes one GSP method with positional JSON arguments.
func (s *Spec) call(method string, args ...interface{}) (json.RawMessage, error) {
	params := make([]json.RawMessage, 0, len(args))
	for i := range args {
		p, err := json.Marshal(args[i])
		if err != nil {
			return nil, err
		}
		params = append(params, p)
	}
	return s.gsp.RawRequest(method, params)
}

// IsAsset reports whether the asset string denotes a minted token.
func (s *Spec) IsAsset(asset string) bool {
	wa, ok := parseAsset(asset)
	if !ok {
		return false
	}

	raw, err := s.call("getassetdetails", wa)
	if err != nil {
		s.log.Warnf("Cannot look up asset %q/%q: %v", wa.Minter, wa.Name, err)
		return false
	}
	var res struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		s.log.Warnf("Invalid getassetdetails response: %v", err)
		return false
	}
	return len(res.Data) > 0 && string(res.Data) != "null"
}

// CanSell checks the seller's token balance against the requested units and
// returns the game-state block at which the balance was read.
func (s *Spec) CanSell(name, asset string, units msg.Amount) (bool, string, error) {
	wa, ok := parseAsset(asset)
	if !ok {
		return false, "", fmt.Errorf("invalid asset %q", asset)
	}

	raw, err := s.call("getbalance", wa, name)
	if err != nil {
		return false, "", err
	}
	var res struct {
		Data      *int64 `json:"data"`
		BlockHash string `json:"blockhash"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return false, "", err
	}
	if res.Data == nil || res.BlockHash == "" {
		return false, "", fmt.Errorf("malformed getbalance response")
	}
	return units <= *res.Data, res.BlockHash, nil
}

// CanBuy always succeeds. Token transfers to arbitrary receivers are valid
// moves; a receiving account that never existed simply owns the tokens once
// it is registered.
func (s *Spec) CanBuy(name, asset string, units msg.Amount) (bool, error) {
	return true, nil
}

// transferMove is the nonfungible move sending tokens to a receiver.
type transferMove struct {
	Transfer struct {
		Asset    wireAsset  `json:"a"`
		Units    msg.Amount `json:"n"`
		Receiver string     `json:"r"`
	} `json:"t"`
}

// GetTransferMove builds the move transferring the asset. The field order
// of the marshalled struct is fixed, so identical inputs yield identical
// bytes.
func (s *Spec) GetTransferMove(sender, receiver, asset string,
	units msg.Amount) (json.RawMessage, error) {

	wa, ok := parseAsset(asset)
	if !ok {
		return nil, fmt.Errorf("invalid asset %q", asset)
	}

	var mv transferMove
	mv.Transfer.Asset = wa
	mv.Transfer.Units = units
	mv.Transfer.Receiver = receiver
	return json.Marshal(&mv)
}
