// Package metadata stores the descriptive record of every ingested media item.
//
// A Record carries the identifiers the pipeline needs (media id and type,
// content hash, vector hash, row id, CAS key) plus a type-specific Fields
// value: MovieFields, TVFields, MusicFields, PersonalFields or GenericFields
// for the remaining types. Records are encoded with msgpack.
//
// Three Store implementations are provided: Memory for tests and ephemeral
// use, Badger for an embedded transactional key-value store and SQLite for a
// single-file relational store. Every Commit is all-or-nothing.
package metadata
