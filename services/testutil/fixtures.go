package testutil

import (
	"crypto/rand"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

const (
	DemoUserCode   = "U-DEMO-0001"
	TraderUserCode = "U-TRADER-0002"
	DemoAddress    = "0x52908400098527886E0F7030069857D2E4169EE7"
)

// UniqueUserCode returns a user code that will not collide with other runs.
func UniqueUserCode(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

// NewTxHash returns a random 32-byte transaction hash in 0x form.
func NewTxHash() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return hexutil.Encode(buf)
}
