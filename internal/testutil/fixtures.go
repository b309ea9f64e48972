package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mbaxszy7/mnemora/internal/types"
)

func SeedScreenshot(tb testing.TB, ctx context.Context, tx *gorm.DB, capturedAt time.Time) *types.Screenshot {
	tb.Helper()
	s := &types.Screenshot{
		ID:          uuid.New(),
		CapturedAt:  capturedAt,
		AppName:     "editor",
		WindowTitle: "main.go",
		Path:        "/tmp/" + uuid.NewString() + ".png",
	}
	if err := tx.WithContext(ctx).Create(s).Error; err != nil {
		tb.Fatalf("seed screenshot: %v", err)
	}
	return s
}

func SeedBatch(tb testing.TB, ctx context.Context, tx *gorm.DB, shotIDs []uuid.UUID, from, to time.Time) *types.AnalysisBatch {
	tb.Helper()
	raw, err := json.Marshal(shotIDs)
	if err != nil {
		tb.Fatalf("seed batch: %v", err)
	}
	b := &types.AnalysisBatch{
		ID:            uuid.New(),
		ScreenshotIDs: raw,
		FromTs:        from,
		ToTs:          to,
		WorkState:     types.WorkState{Status: types.WorkStatusPending},
	}
	if err := tx.WithContext(ctx).Create(b).Error; err != nil {
		tb.Fatalf("seed batch: %v", err)
	}
	return b
}

func SeedWindow(tb testing.TB, ctx context.Context, tx *gorm.DB, start time.Time) *types.SummaryWindow {
	tb.Helper()
	w := &types.SummaryWindow{
		ID:          uuid.New(),
		WindowStart: start,
		WindowEnd:   start.Add(time.Hour),
		WorkState:   types.WorkState{Status: types.WorkStatusPending},
	}
	if err := tx.WithContext(ctx).Create(w).Error; err != nil {
		tb.Fatalf("seed window: %v", err)
	}
	return w
}

func SeedEventNode(tb testing.TB, ctx context.Context, tx *gorm.DB, eventTime time.Time) *types.GraphNode {
	tb.Helper()
	key := uuid.NewString()
	n := &types.GraphNode{
		ID:             uuid.New(),
		Kind:           types.NodeKindEvent,
		OriginKey:      &key,
		Title:          "event",
		EventTime:      &eventTime,
		DetailState:    types.WorkState{Status: types.WorkStatusPending},
		EmbeddingState: types.WorkState{Status: types.WorkStatusPending},
	}
	if err := tx.WithContext(ctx).Create(n).Error; err != nil {
		tb.Fatalf("seed event node: %v", err)
	}
	return n
}

func SeedThread(tb testing.TB, ctx context.Context, tx *gorm.DB) *types.Thread {
	tb.Helper()
	now := time.Now()
	th := &types.Thread{
		ID:           uuid.New(),
		OriginKey:    uuid.NewString(),
		Title:        "thread",
		Status:       types.ThreadStatusActive,
		StartTime:    &now,
		LastActiveAt: &now,
	}
	if err := tx.WithContext(ctx).Create(th).Error; err != nil {
		tb.Fatalf("seed thread: %v", err)
	}
	return th
}
