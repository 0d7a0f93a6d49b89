package cmd

import (
	"context"
	"fmt"

	"filexfer/internal/config"
	"filexfer/internal/service"
	"filexfer/internal/signalling"
	"filexfer/internal/storage"
	"filexfer/internal/transport"
	"filexfer/pkg/logger"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the file transfer service",
	Long: `Run the long-lived service that accepts uploads and serves downloads.

With the udp transport the service listens on the configured address and
handles any number of concurrent sessions. With the webrtc transport it
publishes an offer, prints the session code for a client to answer, and
serves that client until the connection drops before publishing a new one.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()

		store, err := openStore()
		if err != nil {
			return err
		}
		if cfg.Service.Transport == config.TransportWebRTC {
			return serveWebRTC(ctx, store)
		}
		return serveUDP(ctx, store)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newService(store *storage.Store, tr transport.Transport) *service.Service {
	return service.New(service.Options{
		Store:          store,
		Transport:      tr,
		Timeout:        cfg.Protocol.Timeout,
		MaxRetries:     cfg.Protocol.MaxRetries,
		ReceiveTimeout: cfg.Protocol.ReceiveTimeout,
		SendRate:       cfg.Protocol.SendRate,
		Logger:         logger.Log,
	})
}

func serveUDP(ctx context.Context, store *storage.Store) error {
	tr, err := transport.ListenUDP(cfg.ServiceAddr())
	if err != nil {
		return err
	}
	defer tr.Close()

	color.Green("Serving %s on udp://%s", store.Root(), tr.LocalAddr())
	return newService(store, tr).Run(ctx)
}

func serveWebRTC(ctx context.Context, store *storage.Store) error {
	signaller, err := signalling.NewDefaultSignalingService(ctx, cfg)
	if err != nil {
		return err
	}

	for ctx.Err() == nil {
		if err := serveOnePeer(ctx, store, signaller); err != nil {
			if ctx.Err() != nil {
				break
			}
			logger.Log.Warn("webrtc session ended", "error", err)
		}
	}
	return nil
}

// serveOnePeer publishes one offer and serves the client that answers it
func serveOnePeer(ctx context.Context, store *storage.Store, signaller *signalling.SignalingService) error {
	peers := transport.NewPeerService(cfg.ICEServers())
	pc, err := peers.CreatePeerConnection()
	if err != nil {
		return err
	}

	dc, err := transport.OpenDataChannel(pc, cfg.WebRTC.Label)
	if err != nil {
		_ = pc.Close()
		return err
	}
	defer dc.Close()
	peers.SetupConnectionStateHandler(pc, "service", dc.Close)

	code, err := signaller.Offer(ctx, pc)
	if err != nil {
		return err
	}
	defer func() { _ = signaller.ClearSession(context.Background(), code) }()

	color.Cyan("Session code: %s", code)
	fmt.Println("Pass it to the client with --code.")

	if err := signaller.AwaitAnswer(ctx, pc, code); err != nil {
		return err
	}
	if err := dc.WaitOpen(ctx); err != nil {
		return err
	}
	color.Green("Client connected over webrtc")
	if err := newService(store, dc).Run(ctx); err != nil {
		return err
	}

	select {
	case failure := <-peers.GetFailureChannel():
		color.Yellow("Client disconnected: %s", failure.Message)
		return failure
	default:
		return nil
	}
}
