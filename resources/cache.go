package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-app-bridge/apps"
	"github.com/ggoodman/mcp-app-bridge/storage"
)

// DefaultCacheTTL bounds how long a cached value is offered.
const DefaultCacheTTL = 24 * time.Hour

// Cache stores the last known rendering content per (extension, uri).
type Cache struct {
	store storage.Storage
	ttl   time.Duration
}

// NewCache creates a Cache over store. A non-positive ttl keeps entries
// until evicted.
func NewCache(store storage.Storage, ttl time.Duration) *Cache {
	return &Cache{store: store, ttl: ttl}
}

// Get returns the cached content, if any.
func (c *Cache) Get(ctx context.Context, extensionName, uri string) (*apps.ResourceContent, bool, error) {
	item, err := c.store.Get(ctx, uri, storage.WithExtension(extensionName))
	if err != nil {
		return nil, false, fmt.Errorf("read cache: %w", err)
	}
	if item == nil {
		return nil, false, nil
	}
	var content apps.ResourceContent
	if err := json.Unmarshal(item.Data, &content); err != nil {
		return nil, false, fmt.Errorf("decode cached content: %w", err)
	}
	if !content.HasMarkup() {
		return nil, false, nil
	}
	return &content, true, nil
}

// Put records content as the latest value.
func (c *Cache) Put(ctx context.Context, extensionName, uri string, content *apps.ResourceContent) error {
	if !content.HasMarkup() {
		return ErrNoMarkup
	}
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}
	opts := []storage.Option{storage.WithExtension(extensionName)}
	if c.ttl > 0 {
		opts = append(opts, storage.WithTTL(c.ttl))
	}
	return c.store.Set(ctx, uri, data, opts...)
}

// Invalidate forgets one resource.
func (c *Cache) Invalidate(ctx context.Context, extensionName, uri string) error {
	return c.store.Delete(ctx, storage.WithExtension(extensionName), storage.WithKey(uri))
}

// InvalidateExtension forgets every resource of an extension.
func (c *Cache) InvalidateExtension(ctx context.Context, extensionName string) error {
	return c.store.Delete(ctx, storage.WithExtension(extensionName))
}

// Through returns a Fetcher that fetches with f and records every success.
// Cache write failures do not fail the fetch.
func (c *Cache) Through(f Fetcher) Fetcher {
	return FetcherFunc(func(ctx context.Context, extensionName, uri string) (*apps.ResourceContent, error) {
		content, err := f.Fetch(ctx, extensionName, uri)
		if err != nil {
			return nil, err
		}
		if content.HasMarkup() {
			_ = c.Put(ctx, extensionName, uri, content)
		}
		return content, nil
	})
}
