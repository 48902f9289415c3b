// Package db is a single-node key-value store built as a log-structured
// merge tree.
//
// Writes take the next sequence number, go to the write-ahead log and then
// to an in-memory skip list. A full memtable is frozen and written to a
// level 0 table in the background while a fresh memtable takes new writes.
// A compaction worker merges tables down the levels, keeping only the
// newest version of each key.
//
// Reads check the active memtable, the frozen ones newest first and then
// the tables of the current version. Versions are immutable and reference
// counted, so a read that started before a compaction keeps seeing the
// tables it started with.
//
// Basic usage:
//
//	d, err := db.Open("./data", db.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	defer d.Close()
//
//	if err := d.Put([]byte("user:1"), []byte("A")); err != nil {
//		return err
//	}
//	value, found, err := d.Get([]byte("user:1"))
package db
