package ratchet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/keryx-im/keryx/olm"
)

// pair establishes alice -> bob using one of bob's one-time keys and
// returns both accounts plus alice's outbound session.
func pair(t *testing.T) (alice, bob *Account, outbound olm.Session) {
	t.Helper()

	alice, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount failed: %v", err)
	}
	bob, err = NewAccount()
	if err != nil {
		t.Fatalf("NewAccount failed: %v", err)
	}
	if err := bob.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys failed: %v", err)
	}

	var oneTimeKey string
	for _, k := range bob.OneTimeKeys() {
		oneTimeKey = k
	}
	outbound, err = alice.NewOutboundSession(bob.IdentityKey(), oneTimeKey)
	if err != nil {
		t.Fatalf("NewOutboundSession failed: %v", err)
	}
	return alice, bob, outbound
}

func TestSessionRoundTrip(t *testing.T) {
	alice, bob, outbound := pair(t)

	msgType, body, err := outbound.Encrypt([]byte("hello bob"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if msgType != olm.MessageTypePreKey {
		t.Fatalf("first message should be pre-key, got type %d", msgType)
	}

	inbound, err := bob.NewInboundSession(alice.IdentityKey(), body)
	if err != nil {
		t.Fatalf("NewInboundSession failed: %v", err)
	}
	if inbound.ID() != outbound.ID() {
		t.Errorf("session ids disagree: %s vs %s", inbound.ID(), outbound.ID())
	}

	plaintext, err := inbound.Decrypt(msgType, body)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello bob")) {
		t.Errorf("plaintext mismatch: %q", plaintext)
	}

	// Reply travels the other direction as a normal message.
	msgType, body, err = inbound.Encrypt([]byte("hello alice"))
	if err != nil {
		t.Fatalf("reply Encrypt failed: %v", err)
	}
	if msgType != olm.MessageTypeNormal {
		t.Fatalf("reply should be a normal message, got type %d", msgType)
	}
	plaintext, err = outbound.Decrypt(msgType, body)
	if err != nil {
		t.Fatalf("reply Decrypt failed: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("hello alice")) {
		t.Errorf("reply plaintext mismatch: %q", plaintext)
	}

	// After a received reply the outbound side drops pre-key framing.
	msgType, _, err = outbound.Encrypt([]byte("again"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if msgType != olm.MessageTypeNormal {
		t.Errorf("expected normal message after confirmation, got type %d", msgType)
	}
}

func TestSessionOutOfOrderDelivery(t *testing.T) {
	alice, bob, outbound := pair(t)

	type sent struct {
		msgType olm.MessageType
		body    string
	}
	var msgs []sent
	for _, text := range []string{"one", "two", "three"} {
		msgType, body, err := outbound.Encrypt([]byte(text))
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		msgs = append(msgs, sent{msgType, body})
	}

	inbound, err := bob.NewInboundSession(alice.IdentityKey(), msgs[0].body)
	if err != nil {
		t.Fatalf("NewInboundSession failed: %v", err)
	}

	// Deliver the third first, then the first, then the second.
	for _, i := range []int{2, 0, 1} {
		if _, err := inbound.Decrypt(msgs[i].msgType, msgs[i].body); err != nil {
			t.Fatalf("out-of-order Decrypt of message %d failed: %v", i, err)
		}
	}

	// A consumed message key cannot be reused.
	if _, err := inbound.Decrypt(msgs[1].msgType, msgs[1].body); !errors.Is(err, ErrUnknownMessageIndex) {
		t.Errorf("replay should fail with ErrUnknownMessageIndex, got %v", err)
	}
}

func TestInboundSessionConsumesOneTimeKey(t *testing.T) {
	alice, bob, outbound := pair(t)

	_, body, err := outbound.Encrypt([]byte("hi"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := bob.NewInboundSession(alice.IdentityKey(), body); err != nil {
		t.Fatalf("NewInboundSession failed: %v", err)
	}
	if _, err := bob.NewInboundSession(alice.IdentityKey(), body); !errors.Is(err, ErrUnknownOneTimeKey) {
		t.Errorf("second use of the one-time key should fail, got %v", err)
	}
}

func TestInboundSessionRejectsWrongIdentity(t *testing.T) {
	_, bob, outbound := pair(t)

	_, body, err := outbound.Encrypt([]byte("hi"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	mallory, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount failed: %v", err)
	}
	if _, err := bob.NewInboundSession(mallory.IdentityKey(), body); err == nil {
		t.Error("pre-key message with mismatched identity key should be rejected")
	}
}

func TestMatchesPreKey(t *testing.T) {
	alice, bob, outbound := pair(t)

	_, body, err := outbound.Encrypt([]byte("hi"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	inbound, err := bob.NewInboundSession(alice.IdentityKey(), body)
	if err != nil {
		t.Fatalf("NewInboundSession failed: %v", err)
	}

	matches, err := inbound.MatchesPreKey(body)
	if err != nil {
		t.Fatalf("MatchesPreKey failed: %v", err)
	}
	if !matches {
		t.Error("session should match its own establishing message")
	}

	// A different establishment does not match.
	if err := bob.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys failed: %v", err)
	}
	var otherKey string
	for _, k := range bob.OneTimeKeys() {
		otherKey = k
	}
	other, err := alice.NewOutboundSession(bob.IdentityKey(), otherKey)
	if err != nil {
		t.Fatalf("NewOutboundSession failed: %v", err)
	}
	_, otherBody, err := other.Encrypt([]byte("hi"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	matches, err = inbound.MatchesPreKey(otherBody)
	if err != nil {
		t.Fatalf("MatchesPreKey failed: %v", err)
	}
	if matches {
		t.Error("session should not match another establishment")
	}
}

func TestFailedDecryptLeavesChainIntact(t *testing.T) {
	alice, bob, outbound := pair(t)

	msgType, body, err := outbound.Encrypt([]byte("real"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	inbound, err := bob.NewInboundSession(alice.IdentityKey(), body)
	if err != nil {
		t.Fatalf("NewInboundSession failed: %v", err)
	}

	// A message from an unrelated session must not advance the chain.
	if err := bob.GenerateOneTimeKeys(1); err != nil {
		t.Fatalf("GenerateOneTimeKeys failed: %v", err)
	}
	var otherKey string
	for _, k := range bob.OneTimeKeys() {
		otherKey = k
	}
	stranger, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount failed: %v", err)
	}
	strangerSession, err := stranger.NewOutboundSession(bob.IdentityKey(), otherKey)
	if err != nil {
		t.Fatalf("NewOutboundSession failed: %v", err)
	}
	wrongType, wrongBody, err := strangerSession.Encrypt([]byte("not yours"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if _, err := inbound.Decrypt(wrongType, wrongBody); err == nil {
		t.Fatal("decrypting a stranger's message should fail")
	}

	if _, err := inbound.Decrypt(msgType, body); err != nil {
		t.Errorf("legitimate message should still decrypt after a failed attempt: %v", err)
	}
}

func TestAccountPickleRoundTrip(t *testing.T) {
	acct, err := NewAccount()
	if err != nil {
		t.Fatalf("NewAccount failed: %v", err)
	}
	if err := acct.GenerateOneTimeKeys(3); err != nil {
		t.Fatalf("GenerateOneTimeKeys failed: %v", err)
	}

	pickleKey := bytes.Repeat([]byte{7}, 32)
	pickled, err := acct.Pickle(pickleKey)
	if err != nil {
		t.Fatalf("Pickle failed: %v", err)
	}
	restored, err := UnpickleAccount(pickled, pickleKey)
	if err != nil {
		t.Fatalf("UnpickleAccount failed: %v", err)
	}

	if restored.IdentityKey() != acct.IdentityKey() {
		t.Error("identity key changed across pickle")
	}
	if restored.SigningKey() != acct.SigningKey() {
		t.Error("signing key changed across pickle")
	}
	if len(restored.OneTimeKeys()) != len(acct.OneTimeKeys()) {
		t.Error("one-time key pool changed across pickle")
	}

	if _, err := UnpickleAccount(pickled, bytes.Repeat([]byte{8}, 32)); err == nil {
		t.Error("unpickling with the wrong key should fail")
	}
}

func TestSessionPickleRoundTrip(t *testing.T) {
	alice, bob, outbound := pair(t)

	msgType, body, err := outbound.Encrypt([]byte("first"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	inbound, err := bob.NewInboundSession(alice.IdentityKey(), body)
	if err != nil {
		t.Fatalf("NewInboundSession failed: %v", err)
	}
	if _, err := inbound.Decrypt(msgType, body); err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}

	pickleKey := bytes.Repeat([]byte{9}, 32)
	pickled, err := inbound.(*Session).Pickle(pickleKey)
	if err != nil {
		t.Fatalf("Pickle failed: %v", err)
	}
	restored, err := UnpickleSession(pickled, pickleKey)
	if err != nil {
		t.Fatalf("UnpickleSession failed: %v", err)
	}
	if restored.ID() != inbound.ID() {
		t.Error("session id changed across pickle")
	}

	// The restored session continues the conversation.
	msgType, body, err = outbound.Encrypt([]byte("second"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	plaintext, err := restored.Decrypt(msgType, body)
	if err != nil {
		t.Fatalf("restored session Decrypt failed: %v", err)
	}
	if !bytes.Equal(plaintext, []byte("second")) {
		t.Errorf("plaintext mismatch: %q", plaintext)
	}
}
