package accounts_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dendrite-core/homeserver/internal/kv"
	"github.com/dendrite-core/homeserver/userapi/accounts"
)

func newDB(t *testing.T) *accounts.Database {
	t.Helper()
	db, err := accounts.NewDatabase(kv.NewMemoryDatabase(), bcrypt.MinCost)
	require.NoError(t, err)
	return db
}

func TestCreateAccountRejectsDuplicateLocalpart(t *testing.T) {
	db := newDB(t)

	_, err := db.CreateAccount("alice", "test.example.org", "s3cret", accounts.AccountTypeUser)
	require.NoError(t, err)

	_, err = db.CreateAccount("alice", "test.example.org", "other", accounts.AccountTypeUser)
	assert.ErrorIs(t, err, accounts.ErrAccountExists)
}

func TestCheckPassword(t *testing.T) {
	db := newDB(t)
	_, err := db.CreateAccount("alice", "test.example.org", "s3cret", accounts.AccountTypeUser)
	require.NoError(t, err)

	ok, err := db.CheckPassword("alice", "s3cret")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.CheckPassword("alice", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = db.CheckPassword("nobody", "s3cret")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateDeviceAndLookupByAccessToken(t *testing.T) {
	db := newDB(t)
	_, err := db.CreateAccount("alice", "test.example.org", "s3cret", accounts.AccountTypeUser)
	require.NoError(t, err)

	deviceID := "DEV1"
	device, err := db.CreateDevice("alice", "test.example.org", &deviceID, "my phone")
	require.NoError(t, err)
	assert.Equal(t, "DEV1", device.ID)
	assert.NotEmpty(t, device.AccessToken)

	found, err := db.GetDeviceByAccessToken(device.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", found.Localpart)
	assert.Equal(t, "@alice:test.example.org", found.UserID())
}

func TestCreateDeviceGeneratesIDWhenNil(t *testing.T) {
	db := newDB(t)
	_, err := db.CreateAccount("bob", "test.example.org", "pw", accounts.AccountTypeUser)
	require.NoError(t, err)

	device, err := db.CreateDevice("bob", "test.example.org", nil, "")
	require.NoError(t, err)
	assert.NotEmpty(t, device.ID)
}

func TestDeleteDeviceRevokesToken(t *testing.T) {
	db := newDB(t)
	_, err := db.CreateAccount("alice", "test.example.org", "s3cret", accounts.AccountTypeUser)
	require.NoError(t, err)

	deviceID := "DEV1"
	device, err := db.CreateDevice("alice", "test.example.org", &deviceID, "")
	require.NoError(t, err)

	require.NoError(t, db.DeleteDevice("alice", device.ID))

	_, err = db.GetDeviceByAccessToken(device.AccessToken)
	assert.ErrorIs(t, err, accounts.ErrDeviceNotFound)
}

func TestDeactivateAccountRevokesAllDevicesAndPassword(t *testing.T) {
	db := newDB(t)
	_, err := db.CreateAccount("alice", "test.example.org", "s3cret", accounts.AccountTypeUser)
	require.NoError(t, err)

	var devices []string
	for i := 0; i < 3; i++ {
		id := string(rune('A' + i))
		d, err := db.CreateDevice("alice", "test.example.org", &id, "")
		require.NoError(t, err)
		devices = append(devices, d.AccessToken)
	}

	require.NoError(t, db.DeactivateAccount("alice"))

	remaining, err := db.GetDevicesByLocalpart("alice")
	require.NoError(t, err)
	assert.Empty(t, remaining)

	for _, token := range devices {
		_, err := db.GetDeviceByAccessToken(token)
		assert.ErrorIs(t, err, accounts.ErrDeviceNotFound)
	}

	ok, err := db.CheckPassword("alice", "s3cret")
	require.NoError(t, err)
	assert.False(t, ok, "deactivated account must not authenticate")

	account, found, err := db.GetAccountByLocalpart("alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, account.Deactivated)
}

func TestQueueAndListRedactionJobs(t *testing.T) {
	db := newDB(t)
	userID := "@alice:test.example.org"

	job, err := db.QueueRedactionJob(userID, "@admin:test.example.org")
	require.NoError(t, err)
	assert.Equal(t, accounts.RedactionJobStatusPending, job.Status)

	jobs, err := db.GetRedactionJobs(userID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "@admin:test.example.org", jobs[0].RequestedBy)
}
