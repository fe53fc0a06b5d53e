package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/monolith/pkg/resilience"
)

func TestStatusOrdering(t *testing.T) {
	assert.Equal(t, StatusGreen, Worst())
	assert.Equal(t, StatusYellow, Worst(StatusGreen, StatusYellow, StatusGreen))
	assert.Equal(t, StatusRed, Worst(StatusYellow, StatusRed, StatusGreen))
	assert.True(t, StatusRed.Worse(StatusYellow))
	assert.False(t, StatusGreen.Worse(StatusGreen))

	st, err := ParseStatus(" yellow ")
	require.NoError(t, err)
	assert.Equal(t, StatusYellow, st)
	_, err = ParseStatus("NOMINAL")
	assert.Error(t, err)
}

func TestStandInReportsGreen(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	rec, err := StandIn{Name: "red_team_agent", Clock: func() time.Time { return now }}.Invoke(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusGreen, rec.Status)
	assert.Equal(t, "red_team_agent", rec.Worker)
	assert.Contains(t, rec.Message, "stand-in")
	assert.Equal(t, now, rec.Timestamp)
}

func TestInvokeAndRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySentinels()
	now := func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }

	h := FuncHandle(func(context.Context) (HealthRecord, error) {
		return HealthRecord{Status: StatusYellow, Message: "drift"}, nil
	})
	rec, err := InvokeAndRecord(ctx, "treasurer", h, store, now)
	require.NoError(t, err)
	assert.Equal(t, "treasurer", rec.Worker)

	got, err := store.Get(ctx, "treasurer")
	require.NoError(t, err)
	assert.Equal(t, StatusYellow, got.Status)
	assert.Equal(t, now(), got.Timestamp)

	silent := FuncHandle(func(context.Context) (HealthRecord, error) { return HealthRecord{}, nil })
	_, err = InvokeAndRecord(ctx, "quiet", silent, store, now)
	require.NoError(t, err)
	_, err = store.Get(ctx, "quiet")
	assert.ErrorIs(t, err, ErrNoRecord)

	boom := errors.New("boom")
	failing := FuncHandle(func(context.Context) (HealthRecord, error) {
		return HealthRecord{Status: StatusGreen}, boom
	})
	_, err = InvokeAndRecord(ctx, "broken", failing, store, now)
	assert.ErrorIs(t, err, boom)
	_, err = store.Get(ctx, "broken")
	assert.ErrorIs(t, err, ErrNoRecord, "a failed worker's record is not persisted")

	bogus := FuncHandle(func(context.Context) (HealthRecord, error) { return HealthRecord{Status: "PURPLE"}, nil })
	_, err = InvokeAndRecord(ctx, "bogus", bogus, store, now)
	assert.Error(t, err)
}

func TestProcessHandle(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	ctx := context.Background()

	t.Run("record on stdout", func(t *testing.T) {
		h := &ProcessHandle{Name: "cipher_agent", Command: "/bin/sh", Args: []string{"-c",
			`echo starting; echo '{"status":"YELLOW","message":"rotating keys"}'`}}
		rec, err := h.Invoke(ctx)
		require.NoError(t, err)
		assert.Equal(t, StatusYellow, rec.Status)
		assert.Equal(t, "rotating keys", rec.Message)
	})

	t.Run("plain output is unreported", func(t *testing.T) {
		h := &ProcessHandle{Name: "scout_agent", Command: "/bin/sh", Args: []string{"-c", "echo done"}}
		rec, err := h.Invoke(ctx)
		require.NoError(t, err)
		assert.False(t, rec.Reported())
	})

	t.Run("malformed record is reported", func(t *testing.T) {
		h := &ProcessHandle{Name: "ledger_agent", Command: "/bin/sh", Args: []string{"-c",
			`echo '{"status":"BLUE"}'`}}
		_, err := h.Invoke(ctx)
		var invalid *InvalidRecordError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, "ledger_agent", invalid.Worker)
		assert.Equal(t, KindInvalidRecord, resilience.ClassifyError(err))
	})

	t.Run("worker name in environment", func(t *testing.T) {
		h := &ProcessHandle{Name: "backup_agent", Command: "/bin/sh", Args: []string{"-c",
			`printf '{"status":"GREEN","message":"%s"}\n' "$MONOLITH_WORKER"`}}
		rec, err := h.Invoke(ctx)
		require.NoError(t, err)
		assert.Equal(t, "backup_agent", rec.Message)
	})

	t.Run("non-zero exit is a crash", func(t *testing.T) {
		h := &ProcessHandle{Name: "purge_agent", Command: "/bin/sh", Args: []string{"-c", "echo oops >&2; exit 3"}}
		_, err := h.Invoke(ctx)
		var crash *CrashError
		require.ErrorAs(t, err, &crash)
		assert.Equal(t, 3, crash.ExitCode)
		assert.Equal(t, "oops", crash.Stderr)
		assert.Equal(t, "CrashError", resilience.ClassifyError(err))
	})

	t.Run("killed on deadline", func(t *testing.T) {
		tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		h := &ProcessHandle{Name: "slow", Command: "/bin/sh", Args: []string{"-c", "sleep 10"}, WaitDelay: time.Second}
		start := time.Now()
		_, err := h.Invoke(tctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Less(t, time.Since(start), 5*time.Second)
		assert.Equal(t, "TimeoutError", resilience.ClassifyError(err))
	})

	t.Run("restart is detached", func(t *testing.T) {
		h := &ProcessHandle{Name: "restart", Command: "/bin/sh", Args: []string{"-c", "exit 0"}}
		require.NoError(t, h.Restart(ctx))

		missing := &ProcessHandle{Name: "missing", Command: filepath.Join(t.TempDir(), "nope")}
		assert.Error(t, missing.Restart(ctx))
	})
}

// Minimal modules exporting _start: one returns, one traps.
var (
	wasmNoop = []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
		0x03, 0x02, 0x01, 0x00,
		0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
		0x0a, 0x04, 0x01, 0x02, 0x00, 0x0b,
	}
	wasmTrap = []byte{
		0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x01, 0x04, 0x01, 0x60, 0x00, 0x00,
		0x03, 0x02, 0x01, 0x00,
		0x07, 0x0a, 0x01, 0x06, '_', 's', 't', 'a', 'r', 't', 0x00, 0x00,
		0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b,
	}
)

func TestWasmHandle(t *testing.T) {
	ctx := context.Background()

	ok := NewWasmHandleFromBytes(ctx, "fitness_agent", wasmNoop, WasmConfig{MemoryLimitBytes: 1 << 20})
	defer func() { _ = ok.Close() }()
	for i := 0; i < 2; i++ {
		rec, err := ok.Invoke(ctx)
		require.NoError(t, err)
		assert.False(t, rec.Reported())
	}

	trap := NewWasmHandleFromBytes(ctx, "trap", wasmTrap, WasmConfig{})
	defer func() { _ = trap.Close() }()
	_, err := trap.Invoke(ctx)
	assert.Error(t, err)

	missing := NewWasmHandle(ctx, "missing", filepath.Join(t.TempDir(), "missing.wasm"), WasmConfig{})
	defer func() { _ = missing.Close() }()
	_, err = missing.Invoke(ctx)
	assert.ErrorContains(t, err, "read module")
}

func TestDecodeReply(t *testing.T) {
	rec, err := decodeReply("remote", []byte(`{"record":{"worker":"remote","status":"GREEN","timestamp":"2026-05-01T09:00:00Z"}}`))
	require.NoError(t, err)
	assert.Equal(t, StatusGreen, rec.Status)

	_, err = decodeReply("remote", []byte(`{"error":"disk full"}`))
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "disk full", remote.Msg)

	rec, err = decodeReply("remote", []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, rec.Reported())

	_, err = decodeReply("remote", []byte(`not json`))
	assert.Error(t, err)

	assert.Equal(t, "workers.remote.invoke", Subject("remote"))
}

func TestFactory(t *testing.T) {
	ctx := context.Background()
	f := NewFactory()

	h, err := f.Build(ctx, Spec{Name: "loophole_scanner"})
	require.NoError(t, err)
	_, isStandIn := h.(StandIn)
	assert.True(t, isStandIn)

	_, err = f.Build(ctx, Spec{Name: "x", Kind: "ftp"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = f.Build(ctx, Spec{Name: "x", Kind: KindNATS})
	assert.ErrorIs(t, err, ErrUnknownKind, "nats needs a connection")

	_, err = f.Build(ctx, Spec{Name: "x", Kind: KindProcess})
	assert.ErrorContains(t, err, "no command")

	h, err = f.Build(ctx, Spec{Name: "x", Kind: KindProcess, Command: "/bin/true", Env: map[string]string{"B": "2", "A": "1"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=2"}, h.(*ProcessHandle).Env)

	f.Register("custom", func(context.Context, Spec) (Handle, error) {
		return FuncHandle(func(context.Context) (HealthRecord, error) { return HealthRecord{Status: StatusRed}, nil }), nil
	})
	assert.Equal(t, []string{"custom", "process", "standin", "wasm"}, f.Kinds())
}
