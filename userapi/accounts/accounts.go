// Package accounts persists local user accounts, their devices, and the
// bearer access tokens client-server requests authenticate with (§6.1
// "Bearer-token authenticated"). Grounded on the same kv-table convention
// as syncapi/storage and roomserver/storage rather than the teacher's
// postgres/sqlite userapi/storage, since this module has no SQL driver
// anywhere in its dependency set and every other storage-backed package
// here sits directly atop internal/kv.
package accounts

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/dendrite-core/homeserver/internal/kv"
	"github.com/dendrite-core/homeserver/internal/util"
)

const (
	accountTable     = "userapi_accounts"      // localpart -> Account JSON
	deviceTable      = "userapi_devices"       // (localpart, deviceID) -> Device JSON
	tokenTable       = "userapi_access_tokens" // accessToken -> (localpart, deviceID)
	redactionTable   = "userapi_redaction_jobs" // (userID, jobID) -> RedactionJob JSON
	redactionCounter = "userapi_redaction_ctr"  // global -> next jobID to allocate
)

// ErrAccountExists is returned by CreateAccount when the localpart is
// already registered.
var ErrAccountExists = errors.New("accounts: localpart already registered")

// ErrDeviceNotFound is returned when a device id or access token has no
// matching device.
var ErrDeviceNotFound = errors.New("accounts: device not found")

// AccountType mirrors the four account kinds the client API and
// federation device-list queries distinguish between.
type AccountType int

const (
	AccountTypeUser AccountType = iota
	AccountTypeGuest
	AccountTypeAppService
	AccountTypeAdmin
)

// Account is one registered local user (§6.1 login/registration, carried
// as an ambient client-API concern the distilled spec assumes exists).
type Account struct {
	Localpart    string      `json:"localpart"`
	ServerName   string      `json:"server_name"`
	PasswordHash string      `json:"password_hash,omitempty"`
	AccountType  AccountType `json:"account_type"`
	CreatedTS    int64       `json:"created_ts"`
	Deactivated  bool        `json:"deactivated"`
}

// UserID returns the fully qualified @localpart:server_name form.
func (a Account) UserID() string {
	return fmt.Sprintf("@%s:%s", a.Localpart, a.ServerName)
}

// Device is one access-token-bearing client session (§6.1, to-device
// messaging and device-list tracking in §4.4 both key off DeviceID).
type Device struct {
	ID          string      `json:"id"`
	Localpart   string      `json:"localpart"`
	ServerName  string      `json:"server_name"`
	AccessToken string      `json:"access_token"`
	DisplayName string      `json:"display_name,omitempty"`
	AccountType AccountType `json:"account_type"`
	LastSeenTS  int64       `json:"last_seen_ts"`
	LastSeenIP  string      `json:"last_seen_ip,omitempty"`
}

// UserID returns the fully qualified @localpart:server_name form.
func (d Device) UserID() string {
	return fmt.Sprintf("@%s:%s", d.Localpart, d.ServerName)
}

// RedactionJobStatus describes the lifecycle status of a queued user
// redaction job (deactivation with redact_messages=true).
type RedactionJobStatus string

const (
	RedactionJobStatusPending   RedactionJobStatus = "pending"
	RedactionJobStatusCompleted RedactionJobStatus = "completed"
	RedactionJobStatusFailed    RedactionJobStatus = "failed"
)

// RedactionJob models a queued request to redact a deactivated user's
// historical content. No component in this module processes queued jobs.
type RedactionJob struct {
	JobID       uint64             `json:"job_id"`
	UserID      string             `json:"user_id"`
	RequestedBy string             `json:"requested_by"`
	RequestedAt int64              `json:"requested_at"`
	Status      RedactionJobStatus `json:"status"`
}

// Database wires account, device and redaction-job storage atop
// internal/kv, following the same table-per-column convention as
// syncapi/storage.Database.
type Database struct {
	kv         kv.Database
	bcryptCost int
}

// NewDatabase opens Database against db. bcryptCost of 0 uses bcrypt's
// default cost; tests pass bcrypt.MinCost to keep account creation fast.
func NewDatabase(db kv.Database, bcryptCost int) (*Database, error) {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Database{kv: db, bcryptCost: bcryptCost}, nil
}

// accountKey normalizes localpart casing before keying the table, so
// registration and login agree on the same account regardless of how the
// client capitalized the localpart (§6.1 login is case-sensitive on the
// wire, but storage and lookup aren't).
func accountKey(localpart string) []byte {
	return []byte(util.NormalizeLocalpart(localpart))
}

// CreateAccount registers localpart@serverName with password, failing if
// the localpart is already taken.
func (d *Database) CreateAccount(localpart, serverName, password string, accountType AccountType) (*Account, error) {
	table := d.kv.Table(accountTable)
	if _, err := table.Get(accountKey(localpart)); err == nil {
		return nil, ErrAccountExists
	} else if !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}

	var hash string
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), d.bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("accounts: hashing password: %w", err)
		}
		hash = string(h)
	}

	account := &Account{
		Localpart:    localpart,
		ServerName:   serverName,
		PasswordHash: hash,
		AccountType:  accountType,
		CreatedTS:    nowMillis(),
	}
	raw, err := json.Marshal(account)
	if err != nil {
		return nil, err
	}
	if err := table.Put(accountKey(localpart), raw); err != nil {
		return nil, err
	}
	return account, nil
}

// GetAccountByLocalpart looks up an account, reporting ok=false if it does
// not exist.
func (d *Database) GetAccountByLocalpart(localpart string) (account *Account, ok bool, err error) {
	raw, err := d.kv.Table(accountTable).Get(accountKey(localpart))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var a Account
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, false, err
	}
	return &a, true, nil
}

// CheckPassword reports whether password matches localpart's stored hash.
// A deactivated account never matches, regardless of password.
func (d *Database) CheckPassword(localpart, password string) (ok bool, err error) {
	account, found, err := d.GetAccountByLocalpart(localpart)
	if err != nil {
		return false, err
	}
	if !found || account.Deactivated || account.PasswordHash == "" {
		return false, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return false, nil
	}
	return true, nil
}

// DeactivateAccount marks the account deactivated and revokes every device
// (§6.1 registration/login lifecycle, the client API's account deactivation
// endpoint). It is idempotent.
func (d *Database) DeactivateAccount(localpart string) error {
	account, found, err := d.GetAccountByLocalpart(localpart)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	account.Deactivated = true
	account.PasswordHash = ""
	raw, err := json.Marshal(account)
	if err != nil {
		return err
	}
	if err := d.kv.Table(accountTable).Put(accountKey(localpart), raw); err != nil {
		return err
	}
	return d.DeleteAllDevices(localpart)
}

func deviceKey(localpart, deviceID string) []byte {
	buf := []byte(util.NormalizeLocalpart(localpart))
	buf = append(buf, 0)
	return append(buf, []byte(deviceID)...)
}

func devicePrefix(localpart string) []byte {
	return append([]byte(util.NormalizeLocalpart(localpart)), 0)
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateDevice registers a new device for localpart, allocating a device id
// from deviceID (or a fresh uuid if nil/empty) and a random access token.
func (d *Database) CreateDevice(localpart, serverName string, deviceID *string, displayName string) (*Device, error) {
	id := ""
	if deviceID != nil {
		id = *deviceID
	}
	if id == "" {
		id = uuid.NewString()
	}
	token, err := generateToken()
	if err != nil {
		return nil, fmt.Errorf("accounts: generating access token: %w", err)
	}

	account, ok, err := d.GetAccountByLocalpart(localpart)
	if err != nil {
		return nil, err
	}
	accountType := AccountTypeUser
	if ok {
		accountType = account.AccountType
	}

	device := &Device{
		ID:          id,
		Localpart:   localpart,
		ServerName:  serverName,
		AccessToken: token,
		DisplayName: displayName,
		AccountType: accountType,
		LastSeenTS:  nowMillis(),
	}
	raw, err := json.Marshal(device)
	if err != nil {
		return nil, err
	}

	batch, err := d.kv.NewBatch()
	if err != nil {
		return nil, err
	}
	if err := batch.Table(deviceTable).Put(deviceKey(localpart, id), raw); err != nil {
		batch.Rollback()
		return nil, err
	}
	if err := batch.Table(tokenTable).Put([]byte(token), deviceKey(localpart, id)); err != nil {
		batch.Rollback()
		return nil, err
	}
	if err := batch.Commit(); err != nil {
		return nil, err
	}
	return device, nil
}

// GetDeviceByAccessToken resolves the bearer token on an incoming
// client-server request to the device (and implicitly the user) that
// issued it (§6.1 "Bearer-token authenticated").
func (d *Database) GetDeviceByAccessToken(token string) (*Device, error) {
	key, err := d.kv.Table(tokenTable).Get([]byte(token))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	raw, err := d.kv.Table(deviceTable).Get(key)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}
	var device Device
	if err := json.Unmarshal(raw, &device); err != nil {
		return nil, err
	}
	return &device, nil
}

// GetDevicesByLocalpart returns every device registered to localpart.
func (d *Database) GetDevicesByLocalpart(localpart string) ([]Device, error) {
	var out []Device
	err := d.kv.Table(deviceTable).Iterate(devicePrefix(localpart), func(key, value []byte) bool {
		var device Device
		if jsonErr := json.Unmarshal(value, &device); jsonErr == nil {
			out = append(out, device)
		}
		return true
	})
	return out, err
}

// DeleteDevice removes one device and its access token, the client API's
// device logout endpoint.
func (d *Database) DeleteDevice(localpart, deviceID string) error {
	raw, err := d.kv.Table(deviceTable).Get(deviceKey(localpart, deviceID))
	if errors.Is(err, kv.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var device Device
	if err := json.Unmarshal(raw, &device); err != nil {
		return err
	}

	batch, err := d.kv.NewBatch()
	if err != nil {
		return err
	}
	if err := batch.Table(deviceTable).Delete(deviceKey(localpart, deviceID)); err != nil {
		batch.Rollback()
		return err
	}
	if err := batch.Table(tokenTable).Delete([]byte(device.AccessToken)); err != nil {
		batch.Rollback()
		return err
	}
	return batch.Commit()
}

// DeleteAllDevices revokes every device and access token for localpart, the
// logout-all-sessions and account-deactivation paths.
func (d *Database) DeleteAllDevices(localpart string) error {
	devices, err := d.GetDevicesByLocalpart(localpart)
	if err != nil {
		return err
	}
	for _, device := range devices {
		if err := d.DeleteDevice(localpart, device.ID); err != nil {
			return err
		}
	}
	return nil
}

func redactionJobKey(userID string, jobID uint64) []byte {
	buf := []byte(userID)
	buf = append(buf, 0)
	idBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(idBytes, jobID)
	return append(buf, idBytes...)
}

func redactionJobPrefix(userID string) []byte {
	return append([]byte(userID), 0)
}

// QueueRedactionJob records a request to redact userID's historical
// content, made by requestedBy. This call only persists the request as
// pending; DeactivateAccount does not queue a job, and nothing in this
// module processes queued jobs.
func (d *Database) QueueRedactionJob(userID, requestedBy string) (*RedactionJob, error) {
	jobID, err := d.nextRedactionJobID()
	if err != nil {
		return nil, err
	}
	job := &RedactionJob{
		JobID:       jobID,
		UserID:      userID,
		RequestedBy: requestedBy,
		RequestedAt: nowMillis(),
		Status:      RedactionJobStatusPending,
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return nil, err
	}
	if err := d.kv.Table(redactionTable).Put(redactionJobKey(userID, jobID), raw); err != nil {
		return nil, err
	}
	return job, nil
}

// GetRedactionJobs returns every queued/processed redaction job for userID,
// oldest first.
func (d *Database) GetRedactionJobs(userID string) ([]RedactionJob, error) {
	var out []RedactionJob
	err := d.kv.Table(redactionTable).Iterate(redactionJobPrefix(userID), func(key, value []byte) bool {
		var job RedactionJob
		if jsonErr := json.Unmarshal(value, &job); jsonErr == nil {
			out = append(out, job)
		}
		return true
	})
	return out, err
}

func (d *Database) nextRedactionJobID() (uint64, error) {
	table := d.kv.Table(redactionCounter)
	const counterKey = "next"
	raw, err := table.Get([]byte(counterKey))
	var next uint64
	if err == nil {
		next = binary.BigEndian.Uint64(raw) + 1
	} else if !errors.Is(err, kv.ErrNotFound) {
		return 0, err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, next)
	if err := table.Put([]byte(counterKey), buf); err != nil {
		return 0, err
	}
	return next, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
