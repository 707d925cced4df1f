// Package ledger abstracts an append-only, content-addressed, tag-queryable
// store. The service consumes it as an opaque "write tagged immutable bytes /
// query by tag" capability; consensus and networking belong to the backend.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"strings"
)

// Entry is a single immutable ledger record.
type Entry struct {
	ID      string
	Payload []byte
	Tags    map[string]string
	Height  int64
}

// Gateway is the capability interface over the ledger.
//
// Write submits a payload with the given tag set and returns the
// content-addressed entry id. It fails with common.ErrorLedgerUnavailable on
// submission failure and never retries on its own: a timed-out write may have
// been accepted, so retry policy belongs to the caller.
//
// QueryLatest returns the id of the most recent entry (by ledger height)
// matching all tags, or common.ErrorNotFound when nothing matches. Older
// entries for the same tags remain fetchable but are not authoritative.
//
// Fetch returns the payload for a known entry id, or
// common.ErrorEntryNotFound.
type Gateway interface {
	Write(ctx context.Context, payload []byte, tags map[string]string) (string, error)
	QueryLatest(ctx context.Context, tags map[string]string) (string, error)
	Fetch(ctx context.Context, id string) ([]byte, error)
}

// entryID derives the content-addressed id: sha-256 over the payload and the
// ledger height, so identical payloads written at different heights still get
// distinct ids.
func entryID(payload []byte, height int64) string {
	h := sha256.New()
	h.Write(payload)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(height))
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// tagDigest produces a stable digest for a tag set, used as the index key
// prefix. Pairs are sorted so map iteration order does not matter.
func tagDigest(tags map[string]string) string {
	pairs := make([]string, 0, len(tags))
	for k, v := range tags {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	sum := sha256.Sum256([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(sum[:])
}
