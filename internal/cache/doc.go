// Package cache implements persistent cache storage organised in named
// generations. A generation is a wholesale-replaceable set of
// request-URL → response entries; the worker seeds one generation at install
// time and deletes every other generation at activation. Three drivers share
// the same Storage contract: a filesystem layout (temp file + rename per
// entry), a SQLite database, and an in-memory map for ephemeral runs.
package cache
