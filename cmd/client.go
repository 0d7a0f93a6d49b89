package cmd

import (
	"context"
	"fmt"
	"net"
	"os"

	"filexfer/internal/app"
	"filexfer/internal/config"
	"filexfer/internal/signalling"
	"filexfer/internal/transport"
	"filexfer/internal/ui"
	"filexfer/pkg/logger"
	"filexfer/pkg/utils"

	"github.com/spf13/cobra"
)

var sessionCode string

// addCodeFlag registers --code on commands that talk to a webrtc service
func addCodeFlag(cmd *cobra.Command) {
	cmd.Flags().StringVar(&sessionCode, "code", "", "session code printed by a webrtc service")
}

// newClient builds a client for the configured transport with progress
// rendered by progress.
func newClient(ctx context.Context, progress *ui.ProgressUI) (*app.Client, error) {
	store, err := openStore()
	if err != nil {
		return nil, err
	}

	dial := app.UDPDialer(cfg.ServiceAddr())
	if cfg.Service.Transport == config.TransportWebRTC {
		code := sessionCode
		if code == "" {
			if code, err = utils.AskForCode(ctx, os.Stdin, os.Stdout); err != nil {
				return nil, err
			}
		}
		if !utils.IsValidCode(code) {
			return nil, fmt.Errorf("invalid session code %q", code)
		}
		dial = webrtcDialer(code)
	}

	return app.NewClient(app.ClientOptions{
		Store:           store,
		Dial:            dial,
		Timeout:         cfg.Protocol.Timeout,
		MaxRetries:      cfg.Protocol.MaxRetries,
		TransferTimeout: cfg.Protocol.TransferTimeout,
		ReceiveTimeout:  cfg.Protocol.ReceiveTimeout,
		SendRate:        cfg.Protocol.SendRate,
		Logger:          logger.Log,
		Observer:        progress,
	}), nil
}

// webrtcDialer answers the service's offer published under code and waits
// for the data channel the service opens.
func webrtcDialer(code string) app.Dialer {
	return func(ctx context.Context) (transport.Transport, net.Addr, error) {
		signaller, err := signalling.NewDefaultSignalingService(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}

		peers := transport.NewPeerService(cfg.ICEServers())
		pc, err := peers.CreatePeerConnection()
		if err != nil {
			return nil, nil, err
		}

		if err := signaller.Answer(ctx, pc, code); err != nil {
			_ = pc.Close()
			return nil, nil, err
		}
		dc, err := transport.AcceptDataChannel(ctx, pc)
		if err != nil {
			_ = pc.Close()
			return nil, nil, err
		}
		// a lost connection closes the transport, which ends the transfer
		peers.SetupConnectionStateHandler(pc, "client", dc.Close)
		if err := dc.WaitOpen(ctx); err != nil {
			_ = dc.Close()
			return nil, nil, err
		}
		return dc, dc.RemoteAddr(), nil
	}
}
