package domain

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// DeriveDeviceAddress maps public key material to a device key: the last 20
// bytes of its Keccak-256 digest.
func DeriveDeviceAddress(publicKey []byte) Address {
	h := sha3.NewLegacyKeccak256()
	h.Write(publicKey)
	sum := h.Sum(nil)
	return common.BytesToAddress(sum[12:])
}

// IDKey renders a numeric record id as a change and event key.
func IDKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}
