// Package storage persists the sync engine's own logical columns (§6.4):
// account data, read receipts, the to-device message queue, device-list
// change markers, and each device's last-delivered stream position. Room
// timeline and state are not duplicated here; the sync engine reads those
// directly from roomserver/storage and roomserver/api, the way a monolith
// deployment shares one process's storage rather than replicating it over a
// bus (§5 "no pub/sub bus - change notification is a storage-layer watch").
package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/dendrite-core/homeserver/internal/kv"
)

const (
	accountDataTable  = "sync_account_data"   // (userID, roomID|"", type) -> content JSON
	receiptTable      = "sync_receipts"       // (roomID, userID) -> receipt JSON
	toDeviceTable     = "sync_to_device"      // (userID, deviceID, counter) -> message JSON
	deviceListTable   = "sync_device_list"    // (userID, changedUserID, counter) -> []byte{} marker
	devicePosTable    = "sync_device_pos"     // (userID, deviceID) -> last delivered global counter
	toDeviceCounter   = "sync_to_device_ctr"  // (userID, deviceID) -> next counter to allocate
	deviceListCounter = "sync_devlist_ctr"    // global -> next counter to allocate
	lazyMemberTable   = "sync_lazy_member"    // (userID, deviceID, roomID, memberID) -> []byte{1}
)

// Database wires the sync engine's own tables atop internal/kv, following
// the same table-per-column convention as roomserver/storage.Database.
type Database struct {
	kv kv.Database
}

func NewDatabase(db kv.Database) (*Database, error) {
	return &Database{kv: db}, nil
}

func accountDataKey(userID, roomID, dataType string) []byte {
	buf := []byte(userID)
	buf = append(buf, 0)
	buf = append(buf, []byte(roomID)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(dataType)...)
	return buf
}

// PutAccountData stores global (roomID == "") or per-room account data
// (§4.4 "account_data" in the sync response), overwriting any prior value
// for the same type.
func (d *Database) PutAccountData(userID, roomID, dataType string, content json.RawMessage) error {
	return d.kv.Table(accountDataTable).Put(accountDataKey(userID, roomID, dataType), content)
}

// AccountData returns every account data event for userID in roomID (pass
// "" for global account data), keyed by type.
func (d *Database) AccountData(userID, roomID string) (map[string]json.RawMessage, error) {
	prefix := append([]byte(userID), 0)
	prefix = append(prefix, []byte(roomID)...)
	prefix = append(prefix, 0)
	out := map[string]json.RawMessage{}
	err := d.kv.Table(accountDataTable).Iterate(prefix, func(key, value []byte) bool {
		dataType := string(key[len(prefix):])
		out[dataType] = append(json.RawMessage(nil), value...)
		return true
	})
	return out, err
}

func receiptKey(roomID, userID string) []byte {
	buf := []byte(roomID)
	buf = append(buf, 0)
	return append(buf, []byte(userID)...)
}

// Receipt is one user's read marker in a room (§4.4 ephemeral events,
// m.receipt).
type Receipt struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"` // m.read, m.read.private, m.fully_read
	Timestamp int64  `json:"ts"`
}

// PutReceipt records userID's latest receipt of kind r.Type in roomID.
func (d *Database) PutReceipt(roomID, userID string, r Receipt) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return d.kv.Table(receiptTable).Put(receiptKey(roomID, userID), raw)
}

// ReceiptsForRoom returns every known receipt in roomID, keyed by userID,
// used to build the room's m.receipt ephemeral event on each sync.
func (d *Database) ReceiptsForRoom(roomID string) (map[string]Receipt, error) {
	prefix := append([]byte(roomID), 0)
	out := map[string]Receipt{}
	err := d.kv.Table(receiptTable).Iterate(prefix, func(key, value []byte) bool {
		userID := string(key[len(prefix):])
		var r Receipt
		if err := json.Unmarshal(value, &r); err == nil {
			out[userID] = r
		}
		return true
	})
	return out, err
}

func nextCounter(tbl kv.Table, key []byte) (uint64, error) {
	raw, err := tbl.Get(key)
	var cur uint64
	if err == nil {
		cur = binary.BigEndian.Uint64(raw)
	} else if err != kv.ErrNotFound {
		return 0, err
	}
	next := cur + 1
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	return next, tbl.Put(key, buf)
}

func toDeviceKey(userID, deviceID string, counter uint64) []byte {
	buf := []byte(userID)
	buf = append(buf, 0)
	buf = append(buf, []byte(deviceID)...)
	buf = append(buf, 0)
	ctr := make([]byte, 8)
	binary.BigEndian.PutUint64(ctr, counter)
	return append(buf, ctr...)
}

// QueueToDevice appends message to userID/deviceID's to-device inbox (§4.4
// "to_device" drain, used by the send-to-device client endpoint and by
// federation EDUs alike).
func (d *Database) QueueToDevice(userID, deviceID string, message json.RawMessage) error {
	ctrTbl := d.kv.Table(toDeviceCounter)
	ctrKey := []byte(userID + "\x00" + deviceID)
	n, err := nextCounter(ctrTbl, ctrKey)
	if err != nil {
		return err
	}
	return d.kv.Table(toDeviceTable).Put(toDeviceKey(userID, deviceID, n), message)
}

// ToDeviceMessage pairs a queued message with the counter it was stored at,
// so the caller can acknowledge up to a given point.
type ToDeviceMessage struct {
	Counter uint64
	Message json.RawMessage
}

// PendingToDevice returns every undelivered message after sinceCounter
// (exclusive), in delivery order.
func (d *Database) PendingToDevice(userID, deviceID string, sinceCounter uint64) ([]ToDeviceMessage, error) {
	prefix := append([]byte(userID+"\x00"+deviceID), 0)
	var out []ToDeviceMessage
	err := d.kv.Table(toDeviceTable).Iterate(prefix, func(key, value []byte) bool {
		if len(key) < len(prefix)+8 {
			return true
		}
		ctr := binary.BigEndian.Uint64(key[len(key)-8:])
		if ctr <= sinceCounter {
			return true
		}
		out = append(out, ToDeviceMessage{Counter: ctr, Message: append(json.RawMessage(nil), value...)})
		return true
	})
	return out, err
}

// DeleteToDeviceUpTo drops every message at or below upToCounter for the
// device, called once the client has acknowledged them via next_batch
// (§4.4: "to-device messages are deleted once acknowledged, not on read").
func (d *Database) DeleteToDeviceUpTo(userID, deviceID string, upToCounter uint64) error {
	prefix := append([]byte(userID+"\x00"+deviceID), 0)
	var toDelete [][]byte
	tbl := d.kv.Table(toDeviceTable)
	err := tbl.Iterate(prefix, func(key, value []byte) bool {
		if len(key) < len(prefix)+8 {
			return true
		}
		ctr := binary.BigEndian.Uint64(key[len(key)-8:])
		if ctr <= upToCounter {
			toDelete = append(toDelete, append([]byte(nil), key...))
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, k := range toDelete {
		if err := tbl.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func deviceListKey(userID, changedUserID string, counter uint64) []byte {
	buf := []byte(userID)
	buf = append(buf, 0)
	buf = append(buf, []byte(changedUserID)...)
	buf = append(buf, 0)
	ctr := make([]byte, 8)
	binary.BigEndian.PutUint64(ctr, counter)
	return append(buf, ctr...)
}

// MarkDeviceListChanged records that changedUserID's device list needs
// announcing to every member of a shared room, drained per-device the next
// time each of those users syncs (§4.4 "device_lists.changed").
func (d *Database) MarkDeviceListChanged(forUserID, changedUserID string) error {
	n, err := nextCounter(d.kv.Table(deviceListCounter), []byte("n"))
	if err != nil {
		return err
	}
	return d.kv.Table(deviceListTable).Put(deviceListKey(forUserID, changedUserID, n), []byte{1})
}

// PendingDeviceListChanges returns the set of user ids whose device list
// changed for forUserID since sinceCounter, and the highest counter seen so
// the caller can persist a new high-water mark.
func (d *Database) PendingDeviceListChanges(forUserID string, sinceCounter uint64) ([]string, uint64, error) {
	prefix := append([]byte(forUserID), 0)
	seen := map[string]bool{}
	var out []string
	high := sinceCounter
	err := d.kv.Table(deviceListTable).Iterate(prefix, func(key, value []byte) bool {
		if len(key) < len(prefix)+1+8 {
			return true
		}
		rest := key[len(prefix):]
		ctr := binary.BigEndian.Uint64(rest[len(rest)-8:])
		if ctr <= sinceCounter {
			return true
		}
		changedUserID := string(rest[:len(rest)-9])
		if !seen[changedUserID] {
			seen[changedUserID] = true
			out = append(out, changedUserID)
		}
		if ctr > high {
			high = ctr
		}
		return true
	})
	return out, high, err
}

func devicePosKey(userID, deviceID string) []byte {
	return []byte(userID + "\x00" + deviceID)
}

// DevicePosition returns the global counter value the device last
// successfully synced up to, or 0 for a device that has never synced
// (§4.4 step 1: "since" absent means start-of-time).
func (d *Database) DevicePosition(userID, deviceID string) (uint64, error) {
	raw, err := d.kv.Table(devicePosTable).Get(devicePosKey(userID, deviceID))
	if err == kv.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage: device position for %s/%s: %w", userID, deviceID, err)
	}
	return binary.BigEndian.Uint64(raw), nil
}

// SetDevicePosition persists the counter value up to which a sync response
// has been delivered, becoming the next request's implicit lower bound.
func (d *Database) SetDevicePosition(userID, deviceID string, pos uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, pos)
	return d.kv.Table(devicePosTable).Put(devicePosKey(userID, deviceID), buf)
}

func lazyMemberKey(userID, deviceID, roomID, memberID string) []byte {
	buf := []byte(userID)
	buf = append(buf, 0)
	buf = append(buf, []byte(deviceID)...)
	buf = append(buf, 0)
	buf = append(buf, []byte(roomID)...)
	buf = append(buf, 0)
	return append(buf, []byte(memberID)...)
}

// HasSentLazyMember reports whether memberID's member event has already
// been sent to this device for roomID in a previous sync response, the
// per-device tracking §4.4 step 3 uses to avoid resending lazy-loaded
// members redundantly.
func (d *Database) HasSentLazyMember(userID, deviceID, roomID, memberID string) (bool, error) {
	_, err := d.kv.Table(lazyMemberTable).Get(lazyMemberKey(userID, deviceID, roomID, memberID))
	if err == kv.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// MarkLazyMemberSent records that memberID's member event was included in
// a response to this device for roomID.
func (d *Database) MarkLazyMemberSent(userID, deviceID, roomID, memberID string) error {
	return d.kv.Table(lazyMemberTable).Put(lazyMemberKey(userID, deviceID, roomID, memberID), []byte{1})
}

// ResetLazyMembers forgets every member this device has been sent for
// roomID, used when full_state is requested or the user rejoins after a
// leave (§4.4: "unless full_state or join-since-last-sync").
func (d *Database) ResetLazyMembers(userID, deviceID, roomID string) error {
	prefix := []byte(userID)
	prefix = append(prefix, 0)
	prefix = append(prefix, []byte(deviceID)...)
	prefix = append(prefix, 0)
	prefix = append(prefix, []byte(roomID)...)
	prefix = append(prefix, 0)
	var toDelete [][]byte
	tbl := d.kv.Table(lazyMemberTable)
	err := tbl.Iterate(prefix, func(key, value []byte) bool {
		toDelete = append(toDelete, append([]byte(nil), key...))
		return true
	})
	if err != nil {
		return err
	}
	for _, k := range toDelete {
		if err := tbl.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
