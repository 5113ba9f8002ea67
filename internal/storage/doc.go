// Package storage provides the durable key-value primitives that client
// storage sync writes to.
//
// Two stores are modelled after what a browser offers:
//   - Cookies: string values with attributes (domain, path, expiry, ...)
//   - Local storage: plain string values
//
// Both implement Backend. DB keeps them in one SQLite file so several client
// processes on the same machine share them, Memory keeps them in-process.
//
// # Expiry
//
// A cookie whose Expires time has passed, or whose MaxAge was negative when
// it was set, reads as absent. Expired rows are swept on the next write.
package storage
