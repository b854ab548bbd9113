// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package xayarpc implements the JSON-RPC layer used to talk to the Xaya
// wallet and to the game-state processor. Typed wrappers are built on top of
// a minimal RawRequester interface so that tests can substitute stubs.
package xayarpc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/rpcclient"

	"xaya.io/democrit/dem"
)

// RawRequester is the interface for sending raw JSON-RPC requests. It is
// satisfied by *rpcclient.Client and by the Pool, and can be satisfied by a
// stub for testing.
type RawRequester interface {
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
}

// anylist is a list of RPC parameters to be converted to []json.RawMessage
// and sent via RawRequest.
type anylist []interface{}

// call marshals the parameters and sends the request via the RawRequester.
// If thing is non-nil, the result is unmarshaled into thing.
func call(r RawRequester, method string, args anylist, thing interface{}) error {
	params := make([]json.RawMessage, 0, len(args))
	for i := range args {
		p, err := json.Marshal(args[i])
		if err != nil {
			return err
		}
		params = append(params, p)
	}
	b, err := r.RawRequest(method, params)
	if err != nil {
		return fmt.Errorf("rawrequest error: %w", err)
	}
	if thing != nil {
		return json.Unmarshal(b, thing)
	}
	return nil
}

// Pool is a RawRequester backed by a free list of lazily-created HTTP POST
// mode rpcclient connections. The underlying client serialises requests per
// connection, so each in-flight call checks out its own connection and
// returns it when done. Callers see the Pool as a single logical client.
type Pool struct {
	cfg rpcclient.ConnConfig
	log dem.Logger

	mtx  sync.Mutex
	free []*rpcclient.Client
	all  []*rpcclient.Client
}

// NewPool creates a Pool connecting to the given HTTP JSON-RPC endpoint. No
// connection is made until the first request.
func NewPool(host, user, pass string, log dem.Logger) *Pool {
	return &Pool{
		cfg: rpcclient.ConnConfig{
			Host:         host,
			User:         user,
			Pass:         pass,
			HTTPPostMode: true,
			DisableTLS:   true,
		},
		log: log,
	}
}

func (p *Pool) acquire() (*rpcclient.Client, error) {
	p.mtx.Lock()
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		p.mtx.Unlock()
		return c, nil
	}
	p.mtx.Unlock()

	c, err := rpcclient.New(&p.cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating RPC client for %s: %w", p.cfg.Host, err)
	}

	p.mtx.Lock()
	p.all = append(p.all, c)
	total := len(p.all)
	p.mtx.Unlock()
	p.log.Debugf("Created RPC connection %d to %s", total, p.cfg.Host)
	return c, nil
}

func (p *Pool) release(c *rpcclient.Client) {
	p.mtx.Lock()
	p.free = append(p.free, c)
	p.mtx.Unlock()
}

// RawRequest satisfies RawRequester. The request is sent on a connection
// checked out of the free list, creating one if none is available.
func (p *Pool) RawRequest(method string, params []json.RawMessage) (json.RawMessage, error) {
	c, err := p.acquire()
	if err != nil {
		return nil, err
	}
	res, err := c.RawRequest(method, params)
	p.release(c)
	return res, err
}

// Shutdown tears down all connections ever created by the Pool. It must not
// be called while requests are in flight.
func (p *Pool) Shutdown() {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	for _, c := range p.all {
		c.Shutdown()
	}
	p.all = nil
	p.free = nil
}
