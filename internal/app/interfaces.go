package app

import "context"

// Transferer is the client operation surface: both calls return the content
// hash of the file moved and may simply be retried to resume.
type Transferer interface {
	// Upload sends a local file and asks the peer to export it to dest
	Upload(ctx context.Context, src, dest string) (string, error)
	// Download fetches a file the peer holds into a local path
	Download(ctx context.Context, remoteSrc, localDest string) (string, error)
}

var _ Transferer = (*Client)(nil)
