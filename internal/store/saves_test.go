package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/nyc-design/Gamer/pkg/models"
)

func testSlot() *models.SaveSlot {
	return &models.SaveSlot{
		SaveRef:            "save-abc",
		HostID:             "h-1",
		UserID:             "user-1",
		Platform:           "gba",
		SaveFilename:       "main.sav",
		AccumulatedSeconds: 4200,
		WallClock:          time.Now(),
	}
}

func TestApplySaveEventApplied(t *testing.T) {
	s, mock := newMockStore(t)
	slot := testSlot()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO warden.save_slots`)).
		WithArgs(slot.SaveRef, slot.HostID, slot.UserID, slot.Platform,
			slot.SaveFilename, slot.AccumulatedSeconds, slot.WallClock).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SET saves_mounted = TRUE`)).
		WithArgs(slot.HostID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := s.ApplySaveEvent(context.Background(), slot)
	if err != nil {
		t.Fatalf("ApplySaveEvent returned error: %v", err)
	}
	if !applied {
		t.Fatalf("expected fresh event to apply")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestApplySaveEventStaleWallClock(t *testing.T) {
	s, mock := newMockStore(t)
	slot := testSlot()

	// The conditional upsert touches no row when the stored wall clock
	// is newer; saves_mounted must stay untouched.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO warden.save_slots`)).
		WithArgs(slot.SaveRef, slot.HostID, slot.UserID, slot.Platform,
			slot.SaveFilename, slot.AccumulatedSeconds, slot.WallClock).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	applied, err := s.ApplySaveEvent(context.Background(), slot)
	if err != nil {
		t.Fatalf("ApplySaveEvent returned error: %v", err)
	}
	if applied {
		t.Fatalf("stale event must not apply")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet SQL expectations: %v", err)
	}
}

func TestGetSaveSlot(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM warden.save_slots WHERE save_ref = $1`)).
		WithArgs("save-abc").
		WillReturnRows(sqlmock.NewRows([]string{
			"save_ref", "host_id", "user_id", "platform", "save_filename",
			"accumulated_seconds", "wall_clock", "updated_at",
		}).AddRow("save-abc", "h-1", "user-1", "gba", "main.sav", int64(4200), now, now))

	slot, err := s.GetSaveSlot(context.Background(), "save-abc")
	if err != nil {
		t.Fatalf("GetSaveSlot returned error: %v", err)
	}
	if slot.AccumulatedSeconds != 4200 || slot.SaveFilename != "main.sav" {
		t.Fatalf("unexpected slot: %+v", slot)
	}
}
