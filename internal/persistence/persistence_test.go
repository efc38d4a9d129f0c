package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"FarmLedger/internal/event"
	"FarmLedger/internal/persistence"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func output(seq int64, journals int) persistence.CoreOutput {
	row := persistence.EventRow{
		Sequence:       seq,
		EventType:      "StakeToken",
		IdempotencyKey: "req",
		Partition:      event.PartitionPosition,
		Payload:        []byte{0xa0},
		StateHash:      make([]byte, 32),
		PrevHash:       make([]byte, 32),
		Timestamp:      time.Unix(1_000_000, 0).UTC(),
	}
	out := persistence.CoreOutput{EventRow: row}
	for i := 0; i < journals; i++ {
		out.JournalRows = append(out.JournalRows, persistence.JournalRow{
			JournalID: fmt.Sprintf("j-%d-%d", seq, i),
			Sequence:  seq,
			Amount:    "1000",
		})
	}
	return out
}

// ===========================================================================
// Worker
// ===========================================================================

func TestWorker_FlushesFullBatchInOneTransaction(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_log.events").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO event_log.journal").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	in := make(chan persistence.CoreOutput, 2)
	in <- output(7, 2)
	in <- output(8, 0)
	close(in)

	w := persistence.NewPersistenceWorker(db, in, 2, time.Hour, nil)
	var flushed int64 = -1
	w.OnFlush(func(seq int64) { flushed = seq })

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, int64(8), flushed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_RetriesFailedFlush(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection reset"))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_log.events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan persistence.CoreOutput, 1)
	in <- output(3, 0)
	close(in)

	w := persistence.NewPersistenceWorker(db, in, 1, time.Hour, nil)
	require.NoError(t, w.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWorker_FlushesRemainderOnClose(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_log.events").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	in := make(chan persistence.CoreOutput, 1)
	in <- output(0, 0)
	close(in)

	w := persistence.NewPersistenceWorker(db, in, 100, time.Hour, nil)
	require.NoError(t, w.Run(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ===========================================================================
// Rows
// ===========================================================================

func TestEventRow_RejectionIsNullable(t *testing.T) {
	env := &event.EventEnvelope{
		Sequence:  4,
		EventType: event.EventTypeUnstakeToken,
		Partition: event.PartitionPosition,
		Timestamp: time.Unix(1_000_000, 0).UTC(),
	}
	env.StateHash[0] = 1

	row := persistence.EventRowFromEnvelope(env)
	assert.False(t, row.Rejection.Valid)
	assert.Equal(t, "UnstakeToken", row.EventType)

	env.Rejection = "no_open_stake"
	row = persistence.EventRowFromEnvelope(env)
	require.True(t, row.Rejection.Valid)

	back, err := row.Envelope()
	require.NoError(t, err)
	assert.Equal(t, *env, *back)
}

func TestEventRow_EnvelopeRejectsBadRows(t *testing.T) {
	_, err := persistence.EventRow{EventType: "StakeToken", StateHash: []byte{1}, PrevHash: make([]byte, 32)}.Envelope()
	assert.Error(t, err)

	_, err = persistence.EventRow{EventType: "OpenPosition", StateHash: make([]byte, 32), PrevHash: make([]byte, 32)}.Envelope()
	assert.Error(t, err)
}

// ===========================================================================
// Snapshots
// ===========================================================================

type sampleState struct {
	Sequence int64
	Balances map[string]*big.Int
	Keys     []string
}

func TestSnapshot_SaveAndLoad(t *testing.T) {
	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)

	state := sampleState{
		Sequence: 42,
		Balances: map[string]*big.Int{"user:0x01:wallet:BTR": big.NewInt(-5), "farm:0x02:BTR": big.NewInt(5)},
		Keys:     []string{"a", "b"},
	}
	data, err := persistence.MarshalState(state)
	require.NoError(t, err)

	snap := &persistence.SnapshotData{Sequence: 42, StateHash: make([]byte, 32), State: data, CreatedAt: time.Now().UTC()}
	mock.ExpectExec("INSERT INTO event_log.snapshots").
		WithArgs(sqlmock.AnyArg(), int64(42), data, snap.StateHash, 1, len(data), snap.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, sm.SaveSnapshot(context.Background(), snap))

	mock.ExpectQuery("FROM event_log.snapshots").WillReturnRows(
		sqlmock.NewRows([]string{"sequence", "state_hash", "data", "format_version", "created_at"}).
			AddRow(int64(42), snap.StateHash, data, 1, snap.CreatedAt))
	loaded, err := sm.LoadLatestSnapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, loaded)

	var decoded sampleState
	require.NoError(t, persistence.UnmarshalState(loaded.State, &decoded))
	assert.Equal(t, int64(42), decoded.Sequence)
	assert.Equal(t, 0, decoded.Balances["user:0x01:wallet:BTR"].Cmp(big.NewInt(-5)))
	assert.Equal(t, []string{"a", "b"}, decoded.Keys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSnapshot_EncodingIsDeterministic(t *testing.T) {
	state := sampleState{Balances: map[string]*big.Int{}}
	for _, k := range []string{"c", "a", "b", "d"} {
		state.Balances[k] = big.NewInt(int64(len(k)))
	}

	first, err := persistence.MarshalState(state)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := persistence.MarshalState(state)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestSnapshot_ColdStartAndFormatMismatch(t *testing.T) {
	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)

	mock.ExpectQuery("FROM event_log.snapshots").WillReturnError(sql.ErrNoRows)
	snap, err := sm.LoadLatestSnapshot(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, snap)

	mock.ExpectQuery("FROM event_log.snapshots").WillReturnRows(
		sqlmock.NewRows([]string{"sequence", "state_hash", "data", "format_version", "created_at"}).
			AddRow(int64(1), []byte{}, []byte{}, 99, time.Now()))
	_, err = sm.LoadLatestSnapshot(context.Background())
	assert.ErrorContains(t, err, "format 99")
}

func TestLoadEventsFrom_ScansRejections(t *testing.T) {
	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)
	ts := time.Unix(1_000_000, 0).UTC()
	hash := make([]byte, 32)

	cols := []string{"sequence", "event_type", "idempotency_key", "partition", "payload", "rejection",
		"state_hash", "prev_hash", "timestamp", "source_sequence"}
	mock.ExpectQuery("FROM event_log.events").WithArgs(int64(10), 2).WillReturnRows(
		sqlmock.NewRows(cols).
			AddRow(int64(10), "StakeToken", "r1", "position", []byte{0xa0}, nil, hash, hash, ts, int64(3)).
			AddRow(int64(11), "StakeToken", "r2", "position", []byte{0xa0}, "not_owner", hash, hash, ts, int64(4)))

	rows, err := sm.LoadEventsFrom(context.Background(), 10, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.False(t, rows[0].Rejection.Valid)
	assert.Equal(t, "not_owner", rows[1].Rejection.String)
}

func TestGetLatestSequence_EmptyLog(t *testing.T) {
	db, mock := newMock(t)
	sm := persistence.NewSnapshotManager(db)

	mock.ExpectQuery("SELECT MAX").WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	seq, err := sm.GetLatestSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(-1), seq)
}

// ===========================================================================
// Idempotency tier 2
// ===========================================================================

func TestPostgresIdempotencyChecker(t *testing.T) {
	db, mock := newMock(t)
	checker := persistence.NewPostgresIdempotencyChecker(db)

	mock.ExpectQuery("FROM event_log.events").WithArgs("CreateFarm", "req-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	dup, err := checker.IsDuplicate("CreateFarm", "req-1")
	require.NoError(t, err)
	assert.True(t, dup)

	mock.ExpectQuery("FROM event_log.events").WithArgs("CreateFarm", "req-2").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}))
	dup, err = checker.IsDuplicate("CreateFarm", "req-2")
	require.NoError(t, err)
	assert.False(t, dup)

	mock.ExpectQuery("FROM event_log.events").WillReturnError(errors.New("timeout"))
	_, err = checker.IsDuplicate("CreateFarm", "req-3")
	assert.Error(t, err)
}
