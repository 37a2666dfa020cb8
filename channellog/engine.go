package channellog

import (
	"context"
	"os"
	"sync"
)

// DefaultServerURL is used by Init when neither Config.ServerURL nor the
// CHANNELLOG_SERVER environment variable is set.
const DefaultServerURL = "http://127.0.0.1:8080"

// Config configures the process-wide client built by Init.
type Config struct {
	// ServerURL is the base URL of the log server. Empty means the value
	// of CHANNELLOG_SERVER, or DefaultServerURL.
	ServerURL string

	// Client holds the remaining client settings. May be nil.
	Client *ClientConfig
}

var engine struct {
	mu     sync.Mutex
	client *Client
}

// Init builds the process-wide client used by the package-level Create
// and Open. Calling Init again before Shutdown does nothing. cfg may be
// nil.
func Init(ctx context.Context, cfg *Config) error {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.client != nil {
		return nil
	}
	if cfg == nil {
		cfg = &Config{}
	}

	url := cfg.ServerURL
	if url == "" {
		url = os.Getenv("CHANNELLOG_SERVER")
	}
	if url == "" {
		url = DefaultServerURL
	}
	engine.client = NewClient(url, cfg.Client)
	engine.client.logger.DebugContext(ctx, "channellog initialized", "server", url)
	return nil
}

// Shutdown closes every handle opened through the process-wide client and
// forgets it, so Init may be called again.
func Shutdown(ctx context.Context) error {
	engine.mu.Lock()
	c := engine.client
	engine.client = nil
	engine.mu.Unlock()
	if c == nil {
		return nil
	}
	c.logger.DebugContext(ctx, "channellog shutting down")
	return c.Close()
}

// Default returns the process-wide client, or ErrNotInitialized before
// Init.
func Default() (*Client, error) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if engine.client == nil {
		return nil, ErrNotInitialized
	}
	return engine.client, nil
}

// Create calls Create on the process-wide client.
func Create(ctx context.Context, name, server LogName, md *Metadata) error {
	c, err := Default()
	if err != nil {
		return err
	}
	return c.Create(ctx, name, server, md)
}

// Open calls Open on the process-wide client.
func Open(ctx context.Context, name LogName, mode IOMode) (*Handle, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Open(ctx, name, mode)
}
