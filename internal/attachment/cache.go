package attachment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Stats summarizes cache activity.
type Stats struct {
	Entries int   `json:"entries"`
	Uploads int64 `json:"uploads"`
	Hits    int64 `json:"hits"`
}

// Cache deduplicates uploads for the lifetime of a session. Entries are
// written once per fingerprint and never expire; failed uploads are not
// remembered.
type Cache struct {
	uploader Uploader
	loader   Loader

	// shared uploads run on ctx, not on any single caller's context
	ctx  context.Context
	stop context.CancelFunc

	entries *cache.Cache
	group   singleflight.Group

	uploads atomic.Int64
	hits    atomic.Int64
}

// NewCache creates an empty cache.
func NewCache(uploader Uploader, loader Loader) *Cache {
	ctx, stop := context.WithCancel(context.Background())
	return &Cache{
		uploader: uploader,
		loader:   loader,
		ctx:      ctx,
		stop:     stop,
		entries:  cache.New(cache.NoExpiration, 0),
	}
}

// Upload returns the cached entry for d, or uploads its content exactly once
// even when called concurrently for the same fingerprint. Errors wrap
// ErrTransport, ErrRejected or ErrUnreadable. Cancelling ctx abandons the
// wait only; an upload other callers joined keeps running.
func (c *Cache) Upload(ctx context.Context, d Descriptor) (Entry, error) {
	fp := Fingerprint(d)
	if e, ok := c.lookup(fp); ok {
		c.hits.Add(1)
		return e, nil
	}

	ch := c.group.DoChan(fp, func() (interface{}, error) {
		if e, ok := c.lookup(fp); ok {
			return e, nil
		}
		return c.upload(c.ctx, fp, d)
	})
	select {
	case res := <-ch:
		if res.Shared {
			log.Debug().Str("fingerprint", fp).Msg("Joined in-flight attachment upload")
		}
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

func (c *Cache) upload(ctx context.Context, fp string, d Descriptor) (Entry, error) {
	data, mimeType, err := c.loader.Load(d)
	if err != nil {
		return Entry{}, err
	}

	c.uploads.Add(1)
	ref, err := c.uploader.Upload(ctx, data, Metadata{FriendlyName: d.FriendlyName, MimeType: mimeType})
	if err != nil {
		if errors.Is(err, ErrRejected) || errors.Is(err, ErrTransport) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if ref.URL == "" {
		return Entry{}, fmt.Errorf("%w: empty url for %q", ErrRejected, d.FriendlyName)
	}

	e := Entry{Fingerprint: fp, URL: ref.URL, FriendlyName: d.FriendlyName, MimeType: mimeType}
	c.entries.Set(fp, e, cache.NoExpiration)
	log.Debug().Str("fingerprint", fp).Str("url", ref.URL).Int("size", len(data)).Msg("Attachment uploaded")
	return e, nil
}

func (c *Cache) lookup(fp string) (Entry, bool) {
	v, ok := c.entries.Get(fp)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Entries returns every cached entry ordered by fingerprint.
func (c *Cache) Entries() []Entry {
	items := c.entries.Items()
	out := make([]Entry, 0, len(items))
	for _, it := range items {
		out = append(out, it.Object.(Entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fingerprint < out[j].Fingerprint })
	return out
}

// Stats reports the number of entries and transport uploads.
func (c *Cache) Stats() Stats {
	return Stats{Entries: c.entries.ItemCount(), Uploads: c.uploads.Load(), Hits: c.hits.Load()}
}

// Clear forgets every entry. Called when the owning session ends.
func (c *Cache) Clear() {
	c.entries.Flush()
}

// Close aborts uploads still in flight. The cache must not be used afterwards.
func (c *Cache) Close() {
	c.stop()
}
