package domain

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// ComputeHash returns the Keccak-256 chain hash of e over its content and
// PrevHash. The Hash field itself is excluded. Every variable-length field
// is prefixed with its uvarint length so distinct events never share an
// encoding.
func (e Event) ComputeHash() string {
	h := sha3.NewLegacyKeccak256()
	buf := make([]byte, 0, 256+len(e.Payload))
	field := func(b []byte) {
		buf = binary.AppendUvarint(buf, uint64(len(b)))
		buf = append(buf, b...)
	}
	field([]byte(e.PrevHash))
	buf = binary.BigEndian.AppendUint64(buf, e.Seq)
	field([]byte(e.ID))
	field([]byte(e.Type))
	field([]byte(e.Entity))
	field([]byte(e.Key))
	buf = append(buf, e.Caller.Bytes()...)
	buf = e.At.UTC().AppendFormat(buf, TimeLayout)
	field(e.Payload)
	h.Write(buf)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks that events are contiguous and correctly linked,
// starting after prevHash. It returns the hash of the last event.
func VerifyChain(prevHash string, events []Event) (string, error) {
	for i, e := range events {
		if i > 0 && e.Seq != events[i-1].Seq+1 {
			return prevHash, fmt.Errorf("event %d: sequence gap after %d", e.Seq, events[i-1].Seq)
		}
		if e.PrevHash != prevHash {
			return prevHash, fmt.Errorf("event %d: prev hash mismatch", e.Seq)
		}
		if got := e.ComputeHash(); got != e.Hash {
			return prevHash, fmt.Errorf("event %d: hash mismatch", e.Seq)
		}
		prevHash = e.Hash
	}
	return prevHash, nil
}
