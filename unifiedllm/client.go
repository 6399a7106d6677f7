package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
)

// ProviderAdapter is implemented by every provider backend.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "openrouter", "openai").
	Name() string
	// Complete sends a blocking request and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// CompleteFunc performs one completion.
type CompleteFunc func(ctx context.Context, req Request) (*Response, error)

// Middleware decorates a CompleteFunc. The first middleware given to the
// client is the outermost.
type Middleware func(next CompleteFunc) CompleteFunc

// Client routes requests to a provider adapter through a middleware chain.
// It is safe for concurrent use once built.
type Client struct {
	providers       map[string]ProviderAdapter
	chains          map[string]CompleteFunc
	defaultProvider string
	middleware      []Middleware
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter under name.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = adapter
	}
}

// WithDefaultProvider sets the provider used when a request names none.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware appends middleware to the chain.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// NewClient builds a client. Adapters with an Initialize method are
// validated here. With a single provider and no explicit default, that
// provider is the default.
func NewClient(opts ...ClientOption) (*Client, error) {
	c := &Client{providers: make(map[string]ProviderAdapter)}
	for _, opt := range opts {
		opt(c)
	}

	for name, adapter := range c.providers {
		init, ok := adapter.(interface{ Initialize() error })
		if !ok {
			continue
		}
		if err := init.Initialize(); err != nil {
			return nil, newError(KindConfiguration, name, "provider failed to initialize", err)
		}
	}

	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	if c.defaultProvider != "" {
		if _, ok := c.providers[c.defaultProvider]; !ok {
			return nil, newError(KindConfiguration, "", fmt.Sprintf("default provider %q is not registered", c.defaultProvider), nil)
		}
	}

	c.chains = make(map[string]CompleteFunc, len(c.providers))
	for name, adapter := range c.providers {
		chain := CompleteFunc(adapter.Complete)
		for i := len(c.middleware) - 1; i >= 0; i-- {
			chain = c.middleware[i](chain)
		}
		c.chains[name] = chain
	}
	return c, nil
}

// Providers returns the registered provider names in sorted order.
func (c *Client) Providers() []string {
	return slices.Sorted(maps.Keys(c.providers))
}

// Complete sends req through the middleware chain to its provider. An empty
// req.Provider selects the default provider.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Provider == "" {
		req.Provider = c.defaultProvider
	}
	if req.Provider == "" {
		return nil, newError(KindConfiguration, "", "no provider specified and no default provider configured", nil)
	}
	chain, ok := c.chains[req.Provider]
	if !ok {
		return nil, newError(KindConfiguration, req.Provider, "provider is not registered", nil)
	}
	return chain(ctx, req)
}

// Close closes every adapter that implements io.Closer.
func (c *Client) Close() error {
	var errs []error
	for _, adapter := range c.providers {
		if closer, ok := adapter.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	return errors.Join(errs...)
}
