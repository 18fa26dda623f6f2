// Package dedupe remembers request ids per scope for a bounded window, so a
// caller that reuses an id inside the same session can be rejected.
package dedupe
