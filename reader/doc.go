// Package reader is the object store of a document: it builds the
// cross-reference index from a byte source, resolves references to objects,
// caches them, and decrypts documents protected by the standard security
// handler.
//
// # Fetching
//
// [Store.Fetch] never waits for the network. If the bytes of an object are
// not loaded yet it returns a *core.MissingDataError and the caller loads
// the range and retries. [Store.FetchContext] and [Store.FetchAsync] run
// that loop:
//
//	obj, err := store.FetchContext(ctx, ref)
//
// # Index
//
// [Store.Parse] follows the trailer chain from the start offset, or with
// recovery set, scans the whole file for objects. Outside recovery any
// structural failure is a *core.XRefParseError, the signal to retry with
// recovery.
//
// # Encryption
//
// [Store.SetupEncryption] authenticates a password and installs the
// [SecurityHandler]; a wrong or missing password is a *core.PasswordError.
package reader
