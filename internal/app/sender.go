package app

import (
	"context"
	"fmt"

	"filexfer/internal/protocol"
)

// Upload chunks src into the local store and transmits it to the service,
// which exports it to dest once every chunk is verified. Only the chunks
// the service lacks travel, so a retry after failure resumes.
func (c *Client) Upload(ctx context.Context, src, dest string) (string, error) {
	if src == "" || dest == "" {
		return "", fmt.Errorf("source and destination paths are required")
	}

	hash, total, mode, err := c.opts.Store.InitializeFile(src)
	if err != nil {
		return "", fmt.Errorf("failed to initialize %s: %w", src, err)
	}
	c.log.Info("uploading file", "src", src, "dest", dest, "hash", hash, "chunks", total)

	session := protocol.NewSendSession(hash, total, mode, src, dest)
	if _, err := c.run(ctx, session, protocol.StateTransmitting); err != nil {
		return hash, fmt.Errorf("failed to upload %s: %w", src, err)
	}
	return hash, nil
}
