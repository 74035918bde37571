// Package cache implements the named, versioned response namespaces used by
// the interception layer. A Storage holds any number of namespaces; each
// namespace maps a normalized request key (method + URL) to a full response
// snapshot (status, headers, body). Entries are written with temp file +
// rename so a reader always sees either the previous or the new entry, never
// a torn one. Storage.Match searches every namespace in creation order, which
// is what the cache-first and offline fallback paths rely on.
package cache
