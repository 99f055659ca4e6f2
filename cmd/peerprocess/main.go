// Command peerprocess runs one instance of the peer engine: it loads
// Common.cfg and PeerInfo.cfg from the working directory, creates the
// peer's working subdirectory, and drives the protocol engine until the
// swarm completes.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/kroc99/P2P-File-Sharing-Software/internal/config"
	"github.com/kroc99/P2P-File-Sharing-Software/internal/engine"
	"github.com/kroc99/P2P-File-Sharing-Software/internal/eventlog"
	"github.com/kroc99/P2P-File-Sharing-Software/internal/logging"
	"github.com/kroc99/P2P-File-Sharing-Software/internal/store"
)

func main() {
	setupLogger()

	if len(os.Args) != 2 {
		slog.Error("usage: peerprocess <PeerId>")
		os.Exit(1)
	}

	id64, err := strconv.ParseUint(os.Args[1], 10, 32)
	if err != nil {
		slog.Error("invalid PeerId", "arg", os.Args[1], "error", err)
		os.Exit(1)
	}
	localID := uint32(id64)

	if err := run(localID); err != nil {
		slog.Error("peer process exited with error", "peer", localID, "error", err)
		os.Exit(1)
	}
}

func run(localID uint32) error {
	common, err := config.ParseCommon("Common.cfg")
	if err != nil {
		return fmt.Errorf("load Common.cfg: %w", err)
	}

	dir, err := config.ParsePeerInfo("PeerInfo.cfg")
	if err != nil {
		return fmt.Errorf("load PeerInfo.cfg: %w", err)
	}

	self, ok := dir.Lookup(localID)
	if !ok {
		return &config.ConfigError{Path: "PeerInfo.cfg", Err: fmt.Errorf("peer id %d is not listed", localID)}
	}

	workDir := fmt.Sprintf("peer_%d", localID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create working directory %s: %w", workDir, err)
	}

	filePath := filepath.Join(workDir, common.FileName)
	fileStore, err := store.Open(filePath, common.FileSize, common.PieceSize)
	if err != nil {
		return fmt.Errorf("open file store: %w", err)
	}
	defer fileStore.Close()

	eventLog, err := eventlog.Open(fmt.Sprintf("log_peer_%d.log", localID))
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer eventLog.Close()

	e, err := engine.New(localID, common, dir, fileStore, self.Seed, eventLog, slog.Default())
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return e.Run(ctx)
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo

	h := logging.NewPrettyHandler(os.Stderr, &opts)
	slog.SetDefault(slog.New(h))
}
