package remote

import "context"

// NoRemoteCache implements the default no-remote-cache behavior.
type NoRemoteCache struct{}

// Download does nothing; every archive is a miss.
func (NoRemoteCache) Download(ctx context.Context, dest string, names []string) error {
	return nil
}

// Upload does nothing.
func (NoRemoteCache) Upload(ctx context.Context, source string, names []string) error {
	return nil
}
