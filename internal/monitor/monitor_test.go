package monitor

import (
	"testing"
	"time"

	"github.com/yyrichy/easyboard/internal/room"
)

func TestServiceStartStop(t *testing.T) {
	svc := New(room.NewRegistry(), Config{
		Interval:          time.Millisecond,
		RoomWarnThreshold: 1,
	})

	svc.Start()
	time.Sleep(5 * time.Millisecond)
	svc.Stop()
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Interval <= 0 {
		t.Error("Interval should be positive")
	}
	if cfg.RoomWarnThreshold <= 0 {
		t.Error("Threshold should be positive")
	}
}
