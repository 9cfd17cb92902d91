package chainadapter

import (
	"crypto/sha256"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1balancer/swap-orchestrator/pkg/utils"
)

func TestActionKeyDeterministic(t *testing.T) {
	a := Action{SessionID: "sess-1", Phase: "source_lock"}
	assert.Equal(t, "sess-1:source_lock", a.ActionKey())
	assert.Equal(t, a.ActionKey(), Action{SessionID: "sess-1", Phase: "source_lock"}.ActionKey())
	assert.NotEqual(t, a.ActionKey(), Action{SessionID: "sess-1", Phase: "destination_lock"}.ActionKey())
}

func TestDecodeEVMLogEscrowLocked(t *testing.T) {
	hashlock := sha256.Sum256([]byte("preimage-a"))
	escrowRef := common.HexToHash("0xabc")

	lg := types.Log{
		Topics:      []common.Hash{htlcABI.Events["EscrowLocked"].ID, common.BytesToHash(hashlock[:])},
		Data:        escrowRef.Bytes(),
		BlockNumber: 100,
		Index:       3,
		BlockHash:   common.HexToHash("0xblock"),
		TxHash:      common.HexToHash("0xtx"),
	}

	ev, ok := decodeEVMLog("ethereum", lg)
	require.True(t, ok)
	assert.Equal(t, EventSourceEscrowLocked, ev.Kind)
	assert.Equal(t, "ethereum", ev.Chain)
	assert.Equal(t, uint64(100), ev.Height)
	assert.Equal(t, uint32(3), ev.LogIndex)
	assert.Equal(t, hashlock, ev.Hashlock)
	assert.Nil(t, ev.Preimage)
}

func TestDecodeEVMLogSecretRevealed(t *testing.T) {
	hashlock := sha256.Sum256([]byte("preimage-b"))
	var preimage [32]byte
	copy(preimage[:], []byte("preimage-b-32-bytes-long-enough!"))

	lg := types.Log{
		Topics:      []common.Hash{htlcABI.Events["SecretRevealed"].ID, common.BytesToHash(hashlock[:])},
		Data:        preimage[:],
		BlockNumber: 101,
		Index:       0,
		BlockHash:   common.HexToHash("0xblock2"),
		TxHash:      common.HexToHash("0xtx2"),
	}

	ev, ok := decodeEVMLog("ethereum", lg)
	require.True(t, ok)
	assert.Equal(t, EventSecretRevealed, ev.Kind)
	require.NotNil(t, ev.Preimage)
	assert.Equal(t, preimage, *ev.Preimage)
}

func TestDecodeEVMLogUnknownTopicIgnored(t *testing.T) {
	lg := types.Log{
		Topics: []common.Hash{common.HexToHash("0xdeadbeef")},
	}
	_, ok := decodeEVMLog("ethereum", lg)
	assert.False(t, ok)
}

func TestDecodeEVMLogNoTopicsIgnored(t *testing.T) {
	_, ok := decodeEVMLog("ethereum", types.Log{})
	assert.False(t, ok)
}

func TestSubmitIdempotentCachesByActionKey(t *testing.T) {
	a := &EVMAdapter{
		chainTag: "ethereum",
		actions: map[string]TxRef{
			"sess-1:reveal": {Chain: "ethereum", Hash: "0x1", State: TxPending},
		},
	}
	ref, err := a.submitIdempotent(nil, Action{SessionID: "sess-1", Phase: "reveal"}, func() ([]byte, error) {
		t.Fatal("encode should not run for an already-submitted action")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "0x1", ref.Hash)
}

func TestSubmitIdempotentEncodeFailureSurfacesCode(t *testing.T) {
	a := &EVMAdapter{
		chainTag: "ethereum",
		actions:  map[string]TxRef{},
	}
	_, err := a.submitIdempotent(nil, Action{SessionID: "sess-2", Phase: "reveal"}, func() ([]byte, error) {
		return nil, assertError{"bad encode"}
	})
	require.Error(t, err)
	assert.Equal(t, CodeTransactionFailed, utils.CodeOf(err, ""))
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
