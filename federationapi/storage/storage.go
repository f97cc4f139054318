// Package storage persists outbound-queue state across restarts: each
// destination's consecutive-failure count and backoff expiry (so a
// recently-failing server stays backed off after a process restart), and
// an optional server whitelist used to restrict outbound federation to a
// known set of destinations (§6.4 "outbound queue entries, keyed
// (destination-prefix, seq)").
package storage

import (
	"encoding/binary"
	"strings"

	"github.com/dendrite-core/homeserver/internal/kv"
)

const (
	retryStateTable = "federationapi_retry_state"
	whitelistTable  = "federationapi_whitelist"
)

// RetryState is one destination's outbound delivery backoff, mirroring the
// fields the teacher's retry_state_table tracked in SQL.
type RetryState struct {
	FailureCount uint32
	RetryUntilMS int64
}

// Database is the federation sender's persistence handle.
type Database struct {
	db kv.Database
}

func NewDatabase(db kv.Database) (*Database, error) {
	return &Database{db: db}, nil
}

func retryKey(serverName string) []byte {
	return []byte("rs:" + serverName)
}

// UpsertRetryState records serverName's current failure count and the time
// its backoff expires, replacing any prior record.
func (d *Database) UpsertRetryState(serverName string, failureCount uint32, retryUntilMS int64) error {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], failureCount)
	binary.BigEndian.PutUint64(buf[4:12], uint64(retryUntilMS))
	return d.db.Table(retryStateTable).Put(retryKey(serverName), buf)
}

// RetryStateFor returns serverName's tracked backoff, or ok=false if none.
func (d *Database) RetryStateFor(serverName string) (state RetryState, ok bool, err error) {
	v, err := d.db.Table(retryStateTable).Get(retryKey(serverName))
	if err == kv.ErrNotFound {
		return RetryState{}, false, nil
	}
	if err != nil {
		return RetryState{}, false, err
	}
	return RetryState{
		FailureCount: binary.BigEndian.Uint32(v[0:4]),
		RetryUntilMS: int64(binary.BigEndian.Uint64(v[4:12])),
	}, true, nil
}

// DeleteRetryState clears serverName's backoff once delivery succeeds.
func (d *Database) DeleteRetryState(serverName string) error {
	return d.db.Table(retryStateTable).Delete(retryKey(serverName))
}

// AllRetryStates returns every destination with a tracked backoff. The
// outbound queue does not call it: each destination worker loads its own
// entry through RetryStateFor.
func (d *Database) AllRetryStates() (map[string]RetryState, error) {
	out := map[string]RetryState{}
	var iterErr error
	err := d.db.Table(retryStateTable).Iterate([]byte("rs:"), func(key, value []byte) bool {
		serverName := strings.TrimPrefix(string(key), "rs:")
		if len(value) < 12 {
			return true
		}
		out[serverName] = RetryState{
			FailureCount: binary.BigEndian.Uint32(value[0:4]),
			RetryUntilMS: int64(binary.BigEndian.Uint64(value[4:12])),
		}
		return true
	})
	if iterErr != nil {
		return nil, iterErr
	}
	return out, err
}

func whitelistKey(serverName string) []byte {
	return []byte("wl:" + serverName)
}

// InsertWhitelist adds serverName to the federation whitelist.
func (d *Database) InsertWhitelist(serverName string) error {
	return d.db.Table(whitelistTable).Put(whitelistKey(serverName), []byte{1})
}

// IsWhitelisted reports whether serverName is present in the whitelist.
func (d *Database) IsWhitelisted(serverName string) (bool, error) {
	_, err := d.db.Table(whitelistTable).Get(whitelistKey(serverName))
	if err == kv.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// DeleteWhitelist removes serverName from the whitelist.
func (d *Database) DeleteWhitelist(serverName string) error {
	return d.db.Table(whitelistTable).Delete(whitelistKey(serverName))
}

// DeleteAllWhitelist clears the whitelist, disabling the restriction.
func (d *Database) DeleteAllWhitelist() error {
	var toDelete [][]byte
	err := d.db.Table(whitelistTable).Iterate([]byte("wl:"), func(key, value []byte) bool {
		toDelete = append(toDelete, append([]byte(nil), key...))
		return true
	})
	if err != nil {
		return err
	}
	tbl := d.db.Table(whitelistTable)
	for _, k := range toDelete {
		if err := tbl.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
