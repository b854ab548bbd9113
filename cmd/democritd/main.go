// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// democritd runs the democrit trading engine for the nonfungible game. It
// connects to Xaya Core, the democrit GSP, the nonfungible GSP and the chat
// relay, then serves trades for the configured account until interrupted.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"xaya.io/democrit/client/app"
	"xaya.io/democrit/client/asset/nf"
	"xaya.io/democrit/client/auth"
	"xaya.io/democrit/client/core"
	"xaya.io/democrit/client/muc"
	"xaya.io/democrit/client/xayarpc"
)

func main() {
	os.Exit(runMain())
}

func runMain() int {
	cfg := app.DefaultConfig()
	if err := app.ParseCLIConfig(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if cfg.ShowVer {
		fmt.Printf("democritd version %s\n", app.Version)
		return 0
	}

	appData, configPath := app.ResolveCLIConfigPaths(&cfg)
	if err := app.ParseFileAndCLI(&cfg, configPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := cfg.ResolveConfig(appData); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	lm, closeLog, err := app.InitLogging(cfg.LogPath, cfg.DebugLevel, !cfg.LocalLogs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	defer closeLog()
	log := lm.Logger("MAIN")
	log.Infof("democritd version %s starting for account %s",
		app.Version, cfg.Account)

	jid, err := auth.ParseJID(cfg.JID)
	if err != nil {
		log.Errorf("Invalid own JID %q: %v", cfg.JID, err)
		return 1
	}

	walletPool := xayarpc.NewPool(cfg.XayaRPCHost, cfg.XayaRPCUser,
		cfg.XayaRPCPass, lm.Logger("XAYA"))
	defer walletPool.Shutdown()
	demPool := xayarpc.NewPool(cfg.DemGspHost, "", "", lm.Logger("GSP"))
	defer demPool.Shutdown()
	nfPool := xayarpc.NewPool(cfg.NfGspHost, "", "", lm.Logger("NF"))
	defer nfPool.Shutdown()

	if err := probeBackends(walletPool, demPool, nfPool); err != nil {
		log.Errorf("Backend not reachable: %v", err)
		return 1
	}

	wallet := xayarpc.NewWalletClient(walletPool, lm.Logger("XAYA"))
	gsp := xayarpc.NewGspClient(demPool, lm.Logger("GSP"))
	spec := nf.New(nfPool, lm.Logger("NF"))
	transport := muc.NewWsTransport(&muc.WsConfig{
		URL:  cfg.ChatURL,
		Room: cfg.Room,
		JID:  jid,
	}, lm.Logger("MUC"))

	c, err := core.New(cfg.Core(spec, jid, transport, wallet, gsp,
		lm.Logger("CORE")))
	if err != nil {
		log.Errorf("Cannot start the trading engine: %v", err)
		return 1
	}
	defer c.Stop()

	killChan := make(chan os.Signal, 1)
	signal.Notify(killChan, os.Interrupt, syscall.SIGTERM)
	sig := <-killChan
	log.Infof("Received %s, shutting down", sig)
	return 0
}

// probeBackends verifies concurrently that the wallet and both GSPs answer
// RPC calls before the engine is wired up.
func probeBackends(wallet, demGsp, nfGsp *xayarpc.Pool) error {
	var g errgroup.Group
	g.Go(probe(wallet, "Xaya Core", "getblockcount"))
	g.Go(probe(demGsp, "democrit GSP", "getcurrentstate"))
	g.Go(probe(nfGsp, "nonfungible GSP", "getcurrentstate"))
	return g.Wait()
}

func probe(p *xayarpc.Pool, name, method string) func() error {
	return func() error {
		if _, err := p.RawRequest(method, nil); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}
}
