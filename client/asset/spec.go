// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package asset defines the game-specific asset interface. Assets are opaque
// strings whose meaning is defined by the game; implementations of Spec tell
// the trading engine what is tradable, who can trade it, and what move
// transfers it.
package asset

import (
	"encoding/json"

	"xaya.io/democrit/dem/msg"
)

// Spec is the game-specific part of the trading engine. Implementations
// must be safe for concurrent use.
type Spec interface {
	// GameID returns the game ID whose moves transfer the assets.
	GameID() string

	// IsAsset reports whether the given string is a valid asset.
	IsAsset(asset string) bool

	// CanSell reports whether the given account (without the name prefix)
	// is able to sell the given amount of the asset. On success the block
	// hash of the game state at which the check was done is returned.
	//
	// Tradable assets must only be affected by explicit moves. Then if the
	// seller's current name output was created before the returned block,
	// it is safe to buy those assets when this returns true.
	CanSell(name, asset string, units msg.Amount) (ok bool, block string, err error)

	// CanBuy reports whether the given account can receive the asset, for
	// example checking that the account exists in the game. The buyer's
	// coin balance is not checked here; an underfunded trade transaction
	// is invalid by itself.
	CanBuy(name, asset string, units msg.Amount) (bool, error)

	// GetTransferMove returns the move (without the game-ID envelope) that
	// transfers the asset from sender to receiver. The sender is who will
	// send the move. Identical inputs must yield byte-identical JSON. It
	// is only called after CanSell and CanBuy both passed.
	GetTransferMove(sender, receiver, asset string, units msg.Amount) (json.RawMessage, error)
}
