package logx

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestRing_KeepsMostRecent(t *testing.T) {
	r := NewRing(3)
	log := zap.New(r.Core(zapcore.DebugLevel)).Sugar()

	for i := 0; i < 5; i++ {
		log.Infow(fmt.Sprintf("event_%d", i))
	}

	got := r.Snapshot(0, "")
	require.Len(t, got, 3)
	require.Equal(t, "event_2", got[0].Message)
	require.Equal(t, "event_4", got[2].Message)
}

func TestRing_FieldsAndFilters(t *testing.T) {
	r := NewRing(10)
	log := zap.New(r.Core(zapcore.InfoLevel)).Sugar().With("component", "session")

	log.Debugw("hidden")
	log.Infow("session_created", "id", "abc")
	log.Errorw("session_failed", "error", "boom")

	all := r.Snapshot(0, "")
	require.Len(t, all, 2)
	require.Equal(t, "session_created component=session id=abc", all[0].Message)

	errs := r.Snapshot(0, "error")
	require.Len(t, errs, 1)
	require.Equal(t, "error", errs[0].Level)

	last := r.Snapshot(1, "")
	require.Len(t, last, 1)
	require.Contains(t, last[0].Message, "session_failed")
}
