// Package core provides the PDF object model and the low-level parsers that
// sit beneath the object store.
//
// # Object Types
//
// The eight PDF object types implement [Object]: [Null], [Bool], [Int],
// [Real], [String], [Name], [Array] and [Dict]. A [Stream] pairs a
// dictionary with its raw bytes and an [IndirectRef] points at an object
// through the cross-reference table.
//
// # Parsing
//
// [Lexer] tokenizes bytes and [Parser] builds objects from tokens. A parser
// created with [NewParserAt] reads from an io.ReaderAt and can recover a
// stream whose /Length is wrong by searching for "endstream". Read errors
// are sticky, so a *MissingDataError from a partially loaded source reaches
// the caller unchanged and the operation can be retried once the range
// arrives.
//
// # Cross-Reference Data
//
// [FindStartXRef] and [ReadLinearization] locate the newest section, and
// [XRefReader.ReadChain] walks /XRefStm and /Prev links so the newest
// revision of each object wins. Classic tables and cross-reference streams
// are both supported, and [ParseObjectStream] unpacks compressed objects.
// When the chain is unusable, [IndexObjects] rebuilds the table by scanning
// the whole file.
package core
