// Package cache implements the wallpaper image caching engine: a memory tier
// split into main/thumbnail pools with cost accounting, a content-addressed
// disk tier for generated thumbnails, a scored eviction policy combining
// recency, frequency, size and priority, and a memory pressure monitor that
// drives aggressive cleanup with timed capacity recovery. The Engine type is
// the public facade; collaborators (scanner, UI glue, diagnostics server)
// interact only through it. Every read path is total: a cache error and a
// cache miss are indistinguishable to callers.
package cache
