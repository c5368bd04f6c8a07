package verification

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/keryx-im/keryx/crypto"
)

const (
	sasInfoPrefix = "KERYX_VERIFICATION_SAS|"
	macInfoPrefix = "KERYX_VERIFICATION_MAC|"
)

// sasBytes derives the short authentication string material from the
// ephemeral shared secret. The info string binds both parties, both
// ephemeral public keys and the transaction, so the displayed SAS cannot be
// transplanted between exchanges. Both sides derive from the initiator's
// perspective and therefore read identical bytes.
func sasBytes(shared [32]byte, initiatorUser, initiatorDevice, initiatorKey,
	responderUser, responderDevice, responderKey, transactionID string) ([6]byte, error) {

	info := sasInfoPrefix +
		initiatorUser + "|" + initiatorDevice + "|" + initiatorKey + "|" +
		responderUser + "|" + responderDevice + "|" + responderKey + "|" +
		transactionID

	var out [6]byte
	r := hkdf.New(sha256.New, shared[:], nil, []byte(info))
	if _, err := io.ReadFull(r, out[:]); err != nil {
		return out, fmt.Errorf("failed to derive SAS bytes: %w", err)
	}
	return out, nil
}

// decimalSAS renders the SAS bytes as three four-digit numbers: thirteen
// bits each from the first five bytes, offset by 1000.
func decimalSAS(b [6]byte) [3]int {
	return [3]int{
		(int(b[0])<<5 | int(b[1])>>3) + 1000,
		((int(b[1])&0x07)<<10 | int(b[2])<<2 | int(b[3])>>6) + 1000,
		((int(b[3])&0x3f)<<7 | int(b[4])>>1) + 1000,
	}
}

// emojiSAS renders the SAS bytes as seven emoji: six bits each from the
// first 42 bits of the same output the decimal rendering reads, so both
// renderings always agree.
func emojiSAS(b [6]byte) [7]Emoji {
	bits := uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
	var out [7]Emoji
	for i := 0; i < 7; i++ {
		out[i] = emojiTable[(bits>>(42-6*uint(i)))&0x3f]
	}
	return out
}

// commitment computes the accept-message commitment: a hash over the
// committing side's ephemeral public key and the canonical form of the
// start content it accepts. The committing side fixes its key before
// seeing the initiator's.
func commitment(publicKeyB64 string, start *StartContent) (string, error) {
	canonical, err := crypto.CanonicalObject(start)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize start content: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(publicKeyB64))
	h.Write(canonical)
	return crypto.EncodeBase64(h.Sum(nil)), nil
}

// calculateMAC computes the MAC for one verified key. The info string
// binds sender, recipient, transaction and key id.
func calculateMAC(shared [32]byte, input, senderUser, senderDevice,
	recipientUser, recipientDevice, transactionID, keyID string) (string, error) {

	info := macInfoPrefix +
		senderUser + "|" + senderDevice + "|" +
		recipientUser + "|" + recipientDevice + "|" +
		transactionID + "|" + keyID

	macKey := make([]byte, 32)
	r := hkdf.New(sha256.New, shared[:], nil, []byte(info))
	if _, err := io.ReadFull(r, macKey); err != nil {
		return "", fmt.Errorf("failed to derive MAC key: %w", err)
	}
	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte(input))
	return crypto.EncodeBase64(mac.Sum(nil)), nil
}

// Emoji is one entry of the shared emoji table.
type Emoji struct {
	Symbol string
	Name   string
}

// emojiTable is the 64-entry table SAS emoji indices select from. Both
// sides must ship the identical table.
var emojiTable = [64]Emoji{
	{"🐶", "Dog"}, {"🐱", "Cat"}, {"🦁", "Lion"}, {"🐎", "Horse"},
	{"🦄", "Unicorn"}, {"🐷", "Pig"}, {"🐘", "Elephant"}, {"🐰", "Rabbit"},
	{"🐼", "Panda"}, {"🐓", "Rooster"}, {"🐧", "Penguin"}, {"🐢", "Turtle"},
	{"🐟", "Fish"}, {"🐙", "Octopus"}, {"🦋", "Butterfly"}, {"🌷", "Flower"},
	{"🌳", "Tree"}, {"🌵", "Cactus"}, {"🍄", "Mushroom"}, {"🌏", "Globe"},
	{"🌙", "Moon"}, {"☁️", "Cloud"}, {"🔥", "Fire"}, {"🍌", "Banana"},
	{"🍎", "Apple"}, {"🍓", "Strawberry"}, {"🌽", "Corn"}, {"🍕", "Pizza"},
	{"🎂", "Cake"}, {"❤️", "Heart"}, {"😀", "Smiley"}, {"🤖", "Robot"},
	{"🎩", "Hat"}, {"👓", "Glasses"}, {"🔧", "Spanner"}, {"🎅", "Santa"},
	{"👍", "Thumbs Up"}, {"☂️", "Umbrella"}, {"⌛", "Hourglass"}, {"⏰", "Clock"},
	{"🎁", "Gift"}, {"💡", "Light Bulb"}, {"📕", "Book"}, {"✏️", "Pencil"},
	{"📎", "Paperclip"}, {"✂️", "Scissors"}, {"🔒", "Lock"}, {"🔑", "Key"},
	{"🔨", "Hammer"}, {"☎️", "Telephone"}, {"🏁", "Flag"}, {"🚂", "Train"},
	{"🚲", "Bicycle"}, {"✈️", "Aeroplane"}, {"🚀", "Rocket"}, {"🏆", "Trophy"},
	{"⚽", "Ball"}, {"🎸", "Guitar"}, {"🎺", "Trumpet"}, {"🔔", "Bell"},
	{"⚓", "Anchor"}, {"🎧", "Headphones"}, {"📁", "Folder"}, {"📌", "Pin"},
}
