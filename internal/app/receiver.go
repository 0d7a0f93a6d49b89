package app

import (
	"context"
	"fmt"

	"filexfer/internal/protocol"
)

// Download asks the service to transmit remoteSrc and reassembles it at
// localDest. The hash is learned from the service's announcement.
func (c *Client) Download(ctx context.Context, remoteSrc, localDest string) (string, error) {
	if remoteSrc == "" || localDest == "" {
		return "", fmt.Errorf("source and destination paths are required")
	}
	c.log.Info("downloading file", "src", remoteSrc, "dest", localDest)

	session := protocol.NewSession("")
	session.ImportPath = remoteSrc
	session.DestPath = localDest

	engine, err := c.run(ctx, session, protocol.StateReceiving)
	var hash string
	if engine != nil {
		hash = engine.Hash()
	}
	if err != nil {
		return hash, fmt.Errorf("failed to download %s: %w", remoteSrc, err)
	}
	return hash, nil
}
