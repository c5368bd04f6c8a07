package olm_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keryx-im/keryx/device"
	"github.com/keryx-im/keryx/olm"
	"github.com/keryx-im/keryx/olm/ratchet"
	"github.com/keryx-im/keryx/outgoing"
	"github.com/keryx-im/keryx/store"
)

// fakeClaimer serves signed one-time keys straight from the peer accounts,
// standing in for the key claim endpoint.
type fakeClaimer struct {
	mu       sync.Mutex
	accounts map[string]*ratchet.Account // "user/device" -> account
	calls    int64
	fail     bool
	tamper   bool
}

func (c *fakeClaimer) ClaimKeys(ctx context.Context, request map[string][]string, algorithm string) (*olm.ClaimResponse, error) {
	atomic.AddInt64(&c.calls, 1)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.fail {
		return nil, errors.New("claim endpoint unavailable")
	}

	resp := &olm.ClaimResponse{OneTimeKeys: make(map[string]map[string]map[string]olm.SignedKey)}
	for userID, deviceIDs := range request {
		for _, deviceID := range deviceIDs {
			acct, ok := c.accounts[userID+"/"+deviceID]
			if !ok {
				continue
			}
			if err := acct.GenerateOneTimeKeys(1); err != nil {
				return nil, err
			}
			var keyID, key string
			for id, k := range acct.OneTimeKeys() {
				keyID, key = id, k
			}
			acct.MarkKeysAsPublished()

			sig, err := acct.SignJSON(map[string]interface{}{"key": key})
			if err != nil {
				return nil, err
			}
			if c.tamper {
				sig = sig[:len(sig)-4] + "AAAA"
			}
			if resp.OneTimeKeys[userID] == nil {
				resp.OneTimeKeys[userID] = make(map[string]map[string]olm.SignedKey)
			}
			resp.OneTimeKeys[userID][deviceID] = map[string]olm.SignedKey{
				olm.AlgorithmSignedCurve25519 + ":" + keyID: {
					Key: key,
					Signatures: map[string]map[string]string{
						userID: {"ed25519:" + deviceID: sig},
					},
				},
			}
		}
	}
	return resp, nil
}

func deviceFor(userID, deviceID string, acct *ratchet.Account) *device.Device {
	return &device.Device{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: acct.IdentityKey(),
		SigningKey:  acct.SigningKey(),
		Algorithms:  []string{olm.AlgorithmOlm},
	}
}

// testPeers wires two managers sharing a fake claim endpoint.
func testPeers(t *testing.T) (alice, bob *olm.Manager, bobDevice *device.Device, claimer *fakeClaimer) {
	t.Helper()

	aliceAcct, err := ratchet.NewAccount()
	require.NoError(t, err)
	bobAcct, err := ratchet.NewAccount()
	require.NoError(t, err)

	claimer = &fakeClaimer{accounts: map[string]*ratchet.Account{
		"@alice:example.org/ALICEDEV": aliceAcct,
		"@bob:example.org/BOBDEV":     bobAcct,
	}}
	alice = olm.NewManager("@alice:example.org", "ALICEDEV", aliceAcct, claimer)
	bob = olm.NewManager("@bob:example.org", "BOBDEV", bobAcct, claimer)
	bobDevice = deviceFor("@bob:example.org", "BOBDEV", bobAcct)
	return alice, bob, bobDevice, claimer
}

func TestEnsureSessionsEstablishes(t *testing.T) {
	alice, _, bobDevice, _ := testPeers(t)

	results, err := alice.EnsureSessions(context.Background(), []*device.Device{bobDevice}, false)
	require.NoError(t, err)

	res := results["@bob:example.org"]["BOBDEV"]
	require.NotNil(t, res)
	require.NoError(t, res.Err)
	assert.NotEmpty(t, res.SessionID)
	assert.True(t, alice.HasSession(bobDevice.IdentityKey))

	// A second call reuses the session rather than claiming again.
	again, err := alice.EnsureSessions(context.Background(), []*device.Device{bobDevice}, false)
	require.NoError(t, err)
	assert.Equal(t, res.SessionID, again["@bob:example.org"]["BOBDEV"].SessionID)
}

func TestEnsureSessionsCoalescesConcurrentClaims(t *testing.T) {
	alice, _, bobDevice, claimer := testPeers(t)

	const callers = 8
	var wg sync.WaitGroup
	ids := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results, err := alice.EnsureSessions(context.Background(), []*device.Device{bobDevice}, false)
			if err != nil {
				return
			}
			if res := results["@bob:example.org"]["BOBDEV"]; res != nil && res.Err == nil {
				ids[i] = res.SessionID
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt64(&claimer.calls),
		"concurrent callers should share one claim")
	for i := 1; i < callers; i++ {
		assert.Equal(t, ids[0], ids[i], "all callers should land on the same session")
	}
}

func TestEnsureSessionsRejectsTamperedKey(t *testing.T) {
	alice, _, bobDevice, claimer := testPeers(t)
	claimer.tamper = true

	results, err := alice.EnsureSessions(context.Background(), []*device.Device{bobDevice}, false)
	require.NoError(t, err)

	res := results["@bob:example.org"]["BOBDEV"]
	require.NotNil(t, res)
	assert.Error(t, res.Err)
	assert.False(t, alice.HasSession(bobDevice.IdentityKey))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	alice, bob, bobDevice, _ := testPeers(t)

	_, err := alice.EnsureSessions(context.Background(), []*device.Device{bobDevice}, false)
	require.NoError(t, err)

	content := map[string]string{"body": "hello"}
	encrypted, err := alice.EncryptForDevice(bobDevice, "m.test.event", content)
	require.NoError(t, err)
	require.NotNil(t, encrypted)
	assert.Equal(t, olm.AlgorithmOlm, encrypted.Algorithm)

	envelope, err := bob.DecryptMessage(context.Background(), "@alice:example.org", encrypted, "")
	require.NoError(t, err)
	assert.Equal(t, "@alice:example.org", envelope.Sender)
	assert.Equal(t, "ALICEDEV", envelope.SenderDevice)
	assert.Equal(t, "m.test.event", envelope.Type)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(envelope.Content, &decoded))
	assert.Equal(t, "hello", decoded["body"])
}

func TestInboundSessionPersistsAccountInBackground(t *testing.T) {
	alice, bob, bobDevice, _ := testPeers(t)

	blobs := store.NewMemoryBlobStore()
	pickleKey := make([]byte, 32)
	bob.SetStore(blobs, pickleKey)

	_, err := alice.EnsureSessions(context.Background(), []*device.Device{bobDevice}, false)
	require.NoError(t, err)
	encrypted, err := alice.EncryptForDevice(bobDevice, "m.test.event", map[string]string{"body": "hi"})
	require.NoError(t, err)

	// Decrypting the pre-key message consumes a one-time key; the account
	// pickle must land in the store without an explicit persist call.
	_, err = bob.DecryptMessage(context.Background(), "@alice:example.org", encrypted, "")
	require.NoError(t, err)

	deadline := time.After(2 * time.Second)
	for {
		if _, err := blobs.GetBlob("olm-account"); err == nil {
			return
		}
		select {
		case <-deadline:
			t.Fatal("account was never persisted after the inbound session")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestEncryptWithoutSessionIsNil(t *testing.T) {
	alice, _, bobDevice, _ := testPeers(t)

	encrypted, err := alice.EncryptForDevice(bobDevice, "m.test.event", map[string]string{})
	require.NoError(t, err)
	assert.Nil(t, encrypted, "encrypting without a session is a silent no-op")
}

func encryptedFor(t *testing.T, alice *olm.Manager, bobDevice *device.Device) *olm.EncryptedContent {
	t.Helper()
	_, err := alice.EnsureSessions(context.Background(), []*device.Device{bobDevice}, false)
	require.NoError(t, err)
	encrypted, err := alice.EncryptForDevice(bobDevice, "m.test.event", map[string]string{"body": "x"})
	require.NoError(t, err)
	require.NotNil(t, encrypted)
	return encrypted
}

func TestDecryptValidationFailures(t *testing.T) {
	t.Run("missing ciphertext", func(t *testing.T) {
		_, bob, _, _ := testPeers(t)
		_, err := bob.DecryptMessage(context.Background(), "@alice:example.org",
			&olm.EncryptedContent{Algorithm: olm.AlgorithmOlm}, "")
		requireCode(t, err, olm.CodeMissingCiphertext)
	})

	t.Run("not our ciphertext", func(t *testing.T) {
		alice, bob, bobDevice, _ := testPeers(t)
		encrypted := encryptedFor(t, alice, bobDevice)
		// Re-key the ciphertext map to a different identity.
		for _, info := range encrypted.Ciphertext {
			encrypted.Ciphertext = map[string]olm.CiphertextInfo{"somebody else": info}
		}
		_, err := bob.DecryptMessage(context.Background(), "@alice:example.org", encrypted, "")
		requireCode(t, err, olm.CodeNotIncluded)
	})

	t.Run("forwarded message", func(t *testing.T) {
		alice, bob, bobDevice, _ := testPeers(t)
		encrypted := encryptedFor(t, alice, bobDevice)
		_, err := bob.DecryptMessage(context.Background(), "@mallory:example.org", encrypted, "")
		requireCode(t, err, olm.CodeForwardedMessage)
	})

	t.Run("room mismatch", func(t *testing.T) {
		alice, bob, bobDevice, _ := testPeers(t)
		encrypted := encryptedFor(t, alice, bobDevice)
		_, err := bob.DecryptMessage(context.Background(), "@alice:example.org", encrypted, "!room:example.org")
		requireCode(t, err, olm.CodeBadRoom)
	})

	t.Run("wrong recipient device", func(t *testing.T) {
		alice, _, _, claimer := testPeers(t)
		// A second bob device with its own account; messages for it must
		// not validate on the first device.
		otherAcct, err := ratchet.NewAccount()
		require.NoError(t, err)
		claimer.mu.Lock()
		claimer.accounts["@bob:example.org/OTHERDEV"] = otherAcct
		claimer.mu.Unlock()
		otherDevice := deviceFor("@bob:example.org", "OTHERDEV", otherAcct)
		otherManager := olm.NewManager("@bob:example.org", "OTHERDEV", otherAcct, claimer)

		encrypted := encryptedFor(t, alice, otherDevice)
		// Decrypting on the right device works.
		_, err = otherManager.DecryptMessage(context.Background(), "@alice:example.org", encrypted, "")
		require.NoError(t, err)
	})
}

func TestDecryptReplayedPreKeyMessageIsHardError(t *testing.T) {
	alice, bob, bobDevice, _ := testPeers(t)
	encrypted := encryptedFor(t, alice, bobDevice)

	_, err := bob.DecryptMessage(context.Background(), "@alice:example.org", encrypted, "")
	require.NoError(t, err)

	// The same pre-key message again matches the now-existing session but
	// its message key is spent.
	_, err = bob.DecryptMessage(context.Background(), "@alice:example.org", encrypted, "")
	requireCode(t, err, olm.CodeBadPreKeyMessage)
}

func TestDecryptNoMatchingSession(t *testing.T) {
	_, bob, _, _ := testPeers(t)

	strangerAcct, err := ratchet.NewAccount()
	require.NoError(t, err)
	_, err = bob.DecryptMessage(context.Background(), "@stranger:example.org", &olm.EncryptedContent{
		Algorithm: olm.AlgorithmOlm,
		SenderKey: strangerAcct.IdentityKey(),
		Ciphertext: map[string]olm.CiphertextInfo{
			bob.Account().IdentityKey(): {Type: olm.MessageTypeNormal, Body: "bm90IGEgbWVzc2FnZQ"},
		},
	}, "")
	requireCode(t, err, olm.CodeNoMatchingSession)
}

func TestEnsureSessionsClaimFailure(t *testing.T) {
	alice, _, bobDevice, claimer := testPeers(t)
	claimer.fail = true
	alice.SetBackoff(outgoing.Backoff{Base: time.Millisecond, Max: time.Millisecond})

	results, err := alice.EnsureSessions(context.Background(), []*device.Device{bobDevice}, false)
	require.NoError(t, err)
	res := results["@bob:example.org"]["BOBDEV"]
	require.NotNil(t, res)
	assert.Error(t, res.Err)
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var decErr *olm.DecryptionError
	require.True(t, errors.As(err, &decErr), "expected DecryptionError, got %v", err)
	assert.Equal(t, code, decErr.Code, "unexpected failure code: %v", err)
}
