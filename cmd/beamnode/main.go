// Command beamnode runs a single full node: it wires NodeCore up against
// cfg.Connect and keeps it running until interrupted.
//
// Grounded on kaspad.go's own main-package wrapper (load config, build the
// service struct, start it, block for an interrupt, stop it) with the
// Windows service entry point kaspad's own main.go provides via
// btcsuite/winsvc, and babble's main.go for the WalletKey terminal prompt
// idiom (golang.org/x/term reading a secret with echo disabled).
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/beamlabs/beamnode/internal/config"
	"github.com/beamlabs/beamnode/internal/node"
	"github.com/beamlabs/beamnode/internal/xlog"
	"golang.org/x/term"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logRoot, err := xlog.New(xlog.Options{Level: cfg.LogLevel, LogFile: cfg.LogFile})
	if err != nil {
		return err
	}
	log := logRoot.WithField("subsystem", "main")

	if cfg.WalletKey == "" && cfg.RestrictMinedToOwner {
		key, err := promptWalletKey()
		if err != nil {
			return err
		}
		cfg.WalletKey = key
	}

	deps, err := buildDependencies(cfg, logRoot)
	if err != nil {
		return err
	}

	n := node.New(cfg, deps, logRoot)

	interactive, err := isAnInteractiveSession()
	if err != nil {
		return err
	}
	if !interactive {
		return runAsService(n, log)
	}

	if err := n.Start(); err != nil {
		return err
	}
	log.Info("node started")
	waitForInterrupt()
	log.Info("shutting down")
	return n.Stop()
}

// promptWalletKey reads the owner's wallet key from the controlling
// terminal with echo disabled, the way an operator-held secret is always
// entered rather than passed on the command line.
func promptWalletKey() (string, error) {
	fmt.Fprint(os.Stderr, "wallet key: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func waitForInterrupt() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}
