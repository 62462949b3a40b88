// Package bus holds the content-addressed relay message store. A message is
// identified by the Keccak-256 digest of its canonical encoding, so the id
// doubles as a tamper check on every hop.
package bus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrMessageNotFound is returned by Get when no message is stored under the
// requested transfer id.
var ErrMessageNotFound = errors.New("relay message not found")

// encodedLen is the size of the canonical encoding:
// sender(32) + recipient(32) + amount(32) + sourceChain(8) +
// destinationChain(8) + token(32) + nonce(8) + timestamp(8).
const encodedLen = 160

// RelayMessage is an immutable cross-chain transfer intent. TransferID is
// the Keccak-256 digest of the canonical encoding of the remaining fields.
// Sender is the source hub vault, not the depositor; the ledger never learns
// who funded a note.
type RelayMessage struct {
	TransferID       common.Hash `json:"transferId"`
	Sender           common.Hash `json:"sender"`
	Recipient        common.Hash `json:"recipient"`
	Amount           *big.Int    `json:"amount"`
	SourceChain      uint64      `json:"sourceChain"`
	DestinationChain uint64      `json:"destinationChain"`
	Token            common.Hash `json:"token"`
	Nonce            uint64      `json:"nonce"`
	Timestamp        int64       `json:"timestamp"`
}

// CanonicalEncoding serializes the message fields in the fixed order and
// widths that define the transfer id.
func (m *RelayMessage) CanonicalEncoding() ([]byte, error) {
	if m.Amount == nil || m.Amount.Sign() < 0 {
		return nil, fmt.Errorf("relay message amount must be a non-negative integer")
	}
	if m.Amount.BitLen() > 256 {
		return nil, fmt.Errorf("relay message amount exceeds 32 bytes")
	}

	enc := make([]byte, 0, encodedLen)
	enc = append(enc, m.Sender.Bytes()...)
	enc = append(enc, m.Recipient.Bytes()...)

	var amount [32]byte
	m.Amount.FillBytes(amount[:])
	enc = append(enc, amount[:]...)

	var word [8]byte
	binary.BigEndian.PutUint64(word[:], m.SourceChain)
	enc = append(enc, word[:]...)
	binary.BigEndian.PutUint64(word[:], m.DestinationChain)
	enc = append(enc, word[:]...)

	enc = append(enc, m.Token.Bytes()...)

	binary.BigEndian.PutUint64(word[:], m.Nonce)
	enc = append(enc, word[:]...)
	binary.BigEndian.PutUint64(word[:], uint64(m.Timestamp))
	enc = append(enc, word[:]...)

	return enc, nil
}

// ComputeID returns the content digest of the message.
func (m *RelayMessage) ComputeID() (common.Hash, error) {
	enc, err := m.CanonicalEncoding()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

// Seal stamps the message with its content digest. Must be called once,
// after all fields are set; the message is immutable afterwards.
func (m *RelayMessage) Seal() error {
	if m.Timestamp == 0 {
		m.Timestamp = time.Now().Unix()
	}
	id, err := m.ComputeID()
	if err != nil {
		return err
	}
	m.TransferID = id
	return nil
}

// Clone returns a deep copy so stored messages cannot be mutated through
// shared pointers.
func (m *RelayMessage) Clone() *RelayMessage {
	cp := *m
	if m.Amount != nil {
		cp.Amount = new(big.Int).Set(m.Amount)
	}
	return &cp
}

// VerifyMessage recomputes the content digest and compares it against both
// the lookup key and the id carried inside the message. Guards against a
// hash/message mismatch introduced by a tampered relay path.
func VerifyMessage(transferID common.Hash, m *RelayMessage) bool {
	if m == nil {
		return false
	}
	id, err := m.ComputeID()
	if err != nil {
		return false
	}
	return id == transferID && m.TransferID == transferID
}
