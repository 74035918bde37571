// Package worker is the interception layer itself. A Worker owns one cache
// generation (a static and a dynamic namespace name) and moves through
// installing → installed → activating → activated. Install seeds the static
// namespace from a fixed manifest, all or nothing; Activate removes every
// namespace that belongs to another generation and then claims control.
//
// Once a Registration reports a Worker as its controller, every same-origin
// GET is routed through Intercept: asset-like URLs are answered cache-first,
// everything else network-first, with the cached root document as the
// offline fallback for navigations.
//
// Each entry point returns a *Task, the equivalent of extending an event's
// lifetime until its work is done.
package worker
