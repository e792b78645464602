package peer_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/padlink/internal/gatt"
	"github.com/srg/padlink/internal/peer"
)

func mustHandle(t *testing.T, conn *peer.Connection, chr string) *gatt.Handle {
	t.Helper()
	table := conn.Table()
	require.NotNil(t, table)
	h, ok := table.Lookup(svcUUID, chr)
	require.True(t, ok, "characteristic %s MUST resolve", chr)
	return h
}

func TestWritesCompleteInSubmissionOrder(t *testing.T) {
	// GOAL: Verify queued writes hit the link one at a time in FIFO order
	//
	// TEST SCENARIO: Four writes enqueued back to back with a slow link →
	// all four complete successfully and the transport saw them in
	// submission order

	fake := controllerFake()
	fake.WriteDelay = 5 * time.Millisecond
	_, radioClient := testRadio()
	conn := peer.NewConnection(fake, radioClient, quietLogger(), testOptions())
	require.NoError(t, conn.Connect(context.Background(), peerAddr))
	defer conn.Disconnect()

	target := mustHandle(t, conn, writeUUID)

	var tokens []*peer.WriteToken
	for i := 0; i < 4; i++ {
		token, err := conn.Writes().Enqueue(target, []byte{byte(i)})
		require.NoError(t, err, "enqueue MUST accept a valid write")
		tokens = append(tokens, token)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, token := range tokens {
		require.NoError(t, token.Wait(ctx), "write %d MUST complete successfully", i)
	}

	writes := fake.Writes()
	require.Len(t, writes, 4, "every write MUST reach the link exactly once")
	for i, w := range writes {
		assert.Equal(t, []byte{byte(i)}, w.Data, "write %d MUST arrive in submission order", i)
		assert.True(t, w.Acked, "acknowledged writes MUST be used")
		assert.Equal(t, fake.ValueHandle(writeUUID), w.ValueHandle)
	}
}

func TestOversizeWriteRejectedUpFront(t *testing.T) {
	// GOAL: Verify a payload exceeding the MTU budget is rejected without
	// touching queued work
	//
	// TEST SCENARIO: MTU 23 leaves 20 payload bytes → a 21-byte write is
	// rejected with OversizeWriteError while an already queued write still
	// completes

	fake := controllerFake().WithMTU(23)
	fake.WriteDelay = 20 * time.Millisecond
	_, radioClient := testRadio()
	conn := peer.NewConnection(fake, radioClient, quietLogger(), testOptions())
	require.NoError(t, conn.Connect(context.Background(), peerAddr))
	defer conn.Disconnect()

	target := mustHandle(t, conn, writeUUID)

	good, err := conn.Writes().Enqueue(target, []byte("ok"))
	require.NoError(t, err)

	_, err = conn.Writes().Enqueue(target, make([]byte, 21))
	var oversize *peer.OversizeWriteError
	require.ErrorAs(t, err, &oversize, "oversize payload MUST be rejected with OversizeWriteError")
	assert.Equal(t, 21, oversize.Size)
	assert.Equal(t, 20, oversize.Max, "budget MUST be MTU minus the ATT header")
	assert.ErrorIs(t, err, peer.ErrWriteRejected, "oversize MUST match ErrWriteRejected")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, good.Wait(ctx), "the rejected write MUST NOT disturb queued work")
	assert.Len(t, fake.Writes(), 1, "the oversize payload MUST never reach the link")
}

func TestEnqueueRejectedWithoutConnection(t *testing.T) {
	// GOAL: Verify writes are refused up front when no link is active

	fake := controllerFake()
	_, radioClient := testRadio()
	conn := peer.NewConnection(fake, radioClient, quietLogger(), testOptions())

	handle := &gatt.Handle{UUID: writeUUID, ValueHandle: 0x0005, Props: gatt.PropWrite}
	_, err := conn.Writes().Enqueue(handle, []byte("x"))
	assert.ErrorIs(t, err, peer.ErrWriteRejected, "writes without a link MUST be rejected")
}

func TestEnqueueRejectsNonWritableCharacteristic(t *testing.T) {
	// GOAL: Verify property validation happens before queueing

	fake := controllerFake()
	_, radioClient := testRadio()
	conn := peer.NewConnection(fake, radioClient, quietLogger(), testOptions())
	require.NoError(t, conn.Connect(context.Background(), peerAddr))
	defer conn.Disconnect()

	notifyOnly := mustHandle(t, conn, notifyUUID)
	_, err := conn.Writes().Enqueue(notifyOnly, []byte("x"))
	assert.ErrorIs(t, err, peer.ErrWriteRejected, "a notify-only characteristic MUST reject writes")

	_, err = conn.Writes().Enqueue(nil, []byte("x"))
	assert.ErrorIs(t, err, peer.ErrWriteRejected, "a nil handle MUST be rejected")
}

func TestLinkLossFailsAllPendingWrites(t *testing.T) {
	// GOAL: Verify teardown completes every queued and in-flight write with
	// a link error instead of dropping them silently
	//
	// TEST SCENARIO: Three writes queued against a stalled link → link
	// drops → all three tokens complete with link_lost

	fake := controllerFake()
	fake.WriteDelay = 300 * time.Millisecond
	_, radioClient := testRadio()
	conn := peer.NewConnection(fake, radioClient, quietLogger(), testOptions())
	require.NoError(t, conn.Connect(context.Background(), peerAddr))
	defer conn.Disconnect()

	target := mustHandle(t, conn, writeUUID)
	var tokens []*peer.WriteToken
	for i := 0; i < 3; i++ {
		token, err := conn.Writes().Enqueue(target, []byte{byte(i)})
		require.NoError(t, err)
		tokens = append(tokens, token)
	}

	fake.FailLink(fmt.Errorf("supervision timeout"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, token := range tokens {
		err := token.Wait(ctx)
		require.Error(t, err, "write %d MUST NOT report success after link loss", i)
		assert.ErrorIs(t, err, peer.ErrLinkLost, "write %d MUST fail with link_lost", i)
	}

	_, err := conn.Writes().Enqueue(target, []byte("late"))
	assert.ErrorIs(t, err, peer.ErrWriteRejected, "writes after teardown MUST be rejected")
}

func TestWriteTokenErrBeforeCompletion(t *testing.T) {
	// GOAL: Verify Err reports pending until the write completes

	fake := controllerFake()
	fake.WriteDelay = 50 * time.Millisecond
	_, radioClient := testRadio()
	conn := peer.NewConnection(fake, radioClient, quietLogger(), testOptions())
	require.NoError(t, conn.Connect(context.Background(), peerAddr))
	defer conn.Disconnect()

	target := mustHandle(t, conn, writeUUID)
	token, err := conn.Writes().Enqueue(target, []byte("x"))
	require.NoError(t, err)

	assert.Error(t, token.Err(), "Err MUST report pending before completion")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, token.Wait(ctx))
	assert.NoError(t, token.Err(), "Err MUST report the final result after completion")
}
