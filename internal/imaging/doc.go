// Package imaging wraps decoding, proportional downsampling, center-cropped
// thumbnail synthesis, and JPEG encoding for the cache engine. It also owns
// the cost model (width x height x 4, clamped) and the priority heuristics
// derived from file names and resolution tiers. All functions are pure with
// respect to cache state; the cache packages depend on imaging, never the
// other way around.
package imaging
