// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package xayarpc

import (
	"xaya.io/democrit/dem"
)

const methodCheckTrade = "checktrade"

// Trade confirmation states reported by the game-state processor.
const (
	// TradeUnknown means the transaction is neither in the mempool nor in
	// any confirmed block the GSP knows.
	TradeUnknown = "unknown"
	// TradePending means the transaction is in the mempool.
	TradePending = "pending"
	// TradeConfirmed means the transaction is in a confirmed block.
	TradeConfirmed = "confirmed"
)

// CheckTradeData is the per-trade part of the checktrade result.
type CheckTradeData struct {
	// State is one of TradeUnknown, TradePending and TradeConfirmed.
	State string `json:"state"`
	// Height is the confirmation height. Only set when confirmed.
	Height int64 `json:"height,omitempty"`
}

// CheckTradeResult is the result of the GSP's checktrade method.
type CheckTradeResult struct {
	// Height is the GSP's current best block height.
	Height int64 `json:"height"`
	// Data holds the state of the queried trade.
	Data CheckTradeData `json:"data"`
}

// GspClient exposes the game-state processor RPC methods, built on a
// RawRequester.
type GspClient struct {
	requester RawRequester
	log       dem.Logger
}

// NewGspClient creates a GspClient on top of the given requester.
func NewGspClient(requester RawRequester, log dem.Logger) *GspClient {
	return &GspClient{
		requester: requester,
		log:       log,
	}
}

// CheckTrade queries the confirmation state of the trade transaction with
// the given btxid.
func (gc *GspClient) CheckTrade(btxid string) (*CheckTradeResult, error) {
	res := new(CheckTradeResult)
	return res, call(gc.requester, methodCheckTrade, anylist{btxid}, res)
}
