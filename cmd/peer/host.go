package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"remotelink/internal/core/domain"
	"remotelink/internal/peer"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var inputFile string

var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Create a session and wait for the client to join",
	RunE:  runHost,
}

func init() {
	hostCmd.Flags().StringVar(&inputFile, "input", "", "file of JSON input events to forward, one per line (- for stdin)")
}

func runHost(cmd *cobra.Command, args []string) error {
	return runPeer(cmd.Context(), peer.Options{Role: domain.RoleHost}, func(ctx context.Context, p *peer.Peer, log *zap.SugaredLogger) {
		if inputFile == "" {
			return
		}
		var r io.Reader = os.Stdin
		if inputFile != "-" {
			f, err := os.Open(inputFile)
			if err != nil {
				log.Errorw("failed to open input file", "path", inputFile, "error", err)
				return
			}
			defer f.Close()
			r = f
		}
		forwardInput(ctx, p, r, log)
	})
}

// forwardInput sends each decoded line once the connection is up. Lines
// rejected by the permission gate are logged and skipped.
func forwardInput(ctx context.Context, p *peer.Peer, r io.Reader, log *zap.SugaredLogger) {
	connected := make(chan struct{})
	var once sync.Once
	unsubscribe := p.OnEvent(func(ev domain.ConnectionEvent) {
		if ev.Phase == domain.PhaseConnected {
			once.Do(func() { close(connected) })
		}
	})
	defer unsubscribe()

	select {
	case <-connected:
	case <-ctx.Done():
		return
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var ev domain.InputEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			log.Warnw("skipping malformed input line", "error", err)
			continue
		}
		if err := p.SendInput(ev); err != nil {
			log.Warnw("input not forwarded", "kind", ev.Kind, "error", err)
		}
	}
}
