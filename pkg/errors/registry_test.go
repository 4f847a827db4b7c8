package errors

import (
	"testing"
	"time"
)

func TestSamplingRegistry_ShouldLog_Critical(t *testing.T) {
	registry := NewSamplingRegistry(SamplingConfig{
		RateLimitWindow: 5 * time.Minute,
	})

	for i := 0; i < 5; i++ {
		err := &TracedError{
			Code:      "DEV-001",
			Severity:  SeverityCritical,
			Timestamp: time.Now(),
			TraceID:   "tr_critical",
		}

		if !registry.ShouldLog(err) {
			t.Errorf("Critical error should always log, attempt %d", i+1)
		}
	}
}

func TestSamplingRegistry_ShouldLog_FirstOccurrence(t *testing.T) {
	registry := NewSamplingRegistry(SamplingConfig{
		RateLimitWindow: 5 * time.Minute,
	})

	err := &TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: time.Now(),
		TraceID:   "tr_first",
	}

	if !registry.ShouldLog(err) {
		t.Error("First occurrence should log")
	}
}

func TestSamplingRegistry_ShouldLog_RateLimited(t *testing.T) {
	registry := NewSamplingRegistry(SamplingConfig{
		RateLimitWindow: 1 * time.Second,
	})

	err1 := &TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: time.Now(),
		TraceID:   "tr_1",
	}
	if !registry.ShouldLog(err1) {
		t.Error("First occurrence should log")
	}

	err2 := &TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: time.Now().Add(500 * time.Millisecond),
		TraceID:   "tr_2",
	}
	if registry.ShouldLog(err2) {
		t.Error("Second occurrence within window should NOT log")
	}

	err3 := &TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: time.Now().Add(800 * time.Millisecond),
		TraceID:   "tr_3",
	}
	if registry.ShouldLog(err3) {
		t.Error("Third occurrence within window should NOT log")
	}
}

func TestSamplingRegistry_ShouldLog_WindowExpired(t *testing.T) {
	registry := NewSamplingRegistry(SamplingConfig{
		RateLimitWindow: 100 * time.Millisecond,
	})

	baseTime := time.Now()
	err1 := &TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: baseTime,
		TraceID:   "tr_1",
	}
	registry.ShouldLog(err1)

	for i := 0; i < 3; i++ {
		err := &TracedError{
			Code:      "OLM-011",
			Severity:  SeverityError,
			Timestamp: baseTime.Add(time.Duration(i+1) * 20 * time.Millisecond),
			TraceID:   "tr_repeat",
		}
		registry.ShouldLog(err)
	}

	errAfter := &TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: baseTime.Add(200 * time.Millisecond), // Past 100ms window
		TraceID:   "tr_after",
	}

	if !registry.ShouldLog(errAfter) {
		t.Error("Occurrence after window should log")
	}

	// RepeatCount is the accumulated count (1 first + 3 repeats = 4 total)
	if errAfter.RepeatCount != 4 {
		t.Errorf("RepeatCount = %d, want 4", errAfter.RepeatCount)
	}
}

func TestSamplingRegistry_Record(t *testing.T) {
	registry := NewSamplingRegistry(DefaultSamplingConfig())

	err := &TracedError{
		Code:      "OLM-011",
		Timestamp: time.Now(),
		TraceID:   "tr_record",
	}

	registry.Record(err)

	record := registry.GetRecord("OLM-011")
	if record == nil {
		t.Fatal("Record should exist")
	}
	if record.Count != 1 {
		t.Errorf("Count = %d, want 1", record.Count)
	}
	if record.Logged {
		t.Error("Record should not be marked as logged")
	}
}

func TestSamplingRegistry_GetRecord(t *testing.T) {
	registry := NewSamplingRegistry(DefaultSamplingConfig())

	if registry.GetRecord("NONEXISTENT") != nil {
		t.Error("Non-existent record should return nil")
	}

	registry.ShouldLog(&TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: time.Now(),
		TraceID:   "tr_1",
	})

	record := registry.GetRecord("OLM-011")
	if record == nil {
		t.Fatal("Record should exist")
	}
	if record.Count != 1 {
		t.Errorf("Count = %d, want 1", record.Count)
	}
}

func TestSamplingRegistry_GetAllRecords(t *testing.T) {
	registry := NewSamplingRegistry(DefaultSamplingConfig())

	codes := []string{"OLM-011", "MEG-010", "DEV-001"}
	for _, code := range codes {
		registry.ShouldLog(&TracedError{
			Code:      code,
			Severity:  SeverityError,
			Timestamp: time.Now(),
			TraceID:   "tr",
		})
	}

	records := registry.GetAllRecords()
	if len(records) != 3 {
		t.Errorf("GetAllRecords() returned %d records, want 3", len(records))
	}
}

func TestSamplingRegistry_Clear(t *testing.T) {
	registry := NewSamplingRegistry(DefaultSamplingConfig())

	registry.ShouldLog(&TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: time.Now(),
		TraceID:   "tr",
	})

	registry.Clear()

	if registry.GetRecord("OLM-011") != nil {
		t.Error("Record should be cleared")
	}
}

func TestSamplingRegistry_ClearCode(t *testing.T) {
	registry := NewSamplingRegistry(DefaultSamplingConfig())

	registry.ShouldLog(&TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: time.Now(),
		TraceID:   "tr",
	})
	registry.ShouldLog(&TracedError{
		Code:      "MEG-010",
		Severity:  SeverityError,
		Timestamp: time.Now(),
		TraceID:   "tr",
	})

	registry.ClearCode("OLM-011")

	if registry.GetRecord("OLM-011") != nil {
		t.Error("OLM-011 should be cleared")
	}
	if registry.GetRecord("MEG-010") == nil {
		t.Error("MEG-010 should still exist")
	}
}

func TestSamplingRegistry_MarkResolved(t *testing.T) {
	registry := NewSamplingRegistry(DefaultSamplingConfig())

	registry.ShouldLog(&TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: time.Now(),
		TraceID:   "tr_1",
	})

	registry.MarkResolved("OLM-011")

	err := &TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: time.Now(),
		TraceID:   "tr_2",
	}

	if !registry.ShouldLog(err) {
		t.Error("After resolution, next occurrence should log")
	}
}

func TestSamplingRegistry_Stats(t *testing.T) {
	registry := NewSamplingRegistry(SamplingConfig{
		RateLimitWindow: 100 * time.Millisecond,
	})

	baseTime := time.Now()

	registry.ShouldLog(&TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: baseTime,
		TraceID:   "tr",
	})

	registry.ShouldLog(&TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: baseTime.Add(10 * time.Millisecond),
		TraceID:   "tr",
	})
	registry.ShouldLog(&TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: baseTime.Add(20 * time.Millisecond),
		TraceID:   "tr",
	})

	registry.Record(&TracedError{
		Code:      "MEG-010",
		Timestamp: baseTime,
		TraceID:   "tr",
	})

	stats := registry.Stats()

	if stats.UniqueErrorCodes != 2 {
		t.Errorf("UniqueErrorCodes = %d, want 2", stats.UniqueErrorCodes)
	}

	// OLM-011: 3 occurrences, MEG-010: 1 occurrence
	if stats.TotalOccurrences != 4 {
		t.Errorf("TotalOccurrences = %d, want 4", stats.TotalOccurrences)
	}
}

func TestSamplingRegistry_ForceCleanup(t *testing.T) {
	registry := NewSamplingRegistry(SamplingConfig{
		RateLimitWindow: 1 * time.Minute,
		RetentionPeriod: 1 * time.Hour,
	})

	oldTime := time.Now().Add(-2 * time.Hour)
	registry.ShouldLog(&TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: oldTime,
		TraceID:   "tr_old",
	})

	registry.ShouldLog(&TracedError{
		Code:      "MEG-010",
		Severity:  SeverityError,
		Timestamp: time.Now(),
		TraceID:   "tr_recent",
	})

	registry.ForceCleanup()

	if registry.GetRecord("OLM-011") != nil {
		t.Error("Old record should be cleaned up")
	}

	if registry.GetRecord("MEG-010") == nil {
		t.Error("Recent record should not be cleaned up")
	}
}

func TestSamplingRegistry_SetRateLimitWindow(t *testing.T) {
	registry := NewSamplingRegistry(DefaultSamplingConfig())
	registry.SetRateLimitWindow(10 * time.Minute)

	stats := registry.Stats()
	if stats.RateLimitWindow != 10*time.Minute {
		t.Errorf("RateLimitWindow = %v, want 10m", stats.RateLimitWindow)
	}
}

func TestSamplingRegistry_SetRetentionPeriod(t *testing.T) {
	registry := NewSamplingRegistry(DefaultSamplingConfig())
	registry.SetRetentionPeriod(48 * time.Hour)

	stats := registry.Stats()
	if stats.RetentionPeriod != 48*time.Hour {
		t.Errorf("RetentionPeriod = %v, want 48h", stats.RetentionPeriod)
	}
}

func TestSamplingRegistry_DefaultConfig(t *testing.T) {
	cfg := DefaultSamplingConfig()

	if cfg.RateLimitWindow != 5*time.Minute {
		t.Errorf("Default RateLimitWindow = %v, want 5m", cfg.RateLimitWindow)
	}
	if cfg.RetentionPeriod != 24*time.Hour {
		t.Errorf("Default RetentionPeriod = %v, want 24h", cfg.RetentionPeriod)
	}
}

func TestSamplingRegistry_ZeroConfig(t *testing.T) {
	registry := NewSamplingRegistry(SamplingConfig{})

	stats := registry.Stats()
	if stats.RateLimitWindow != 5*time.Minute {
		t.Errorf("Zero config RateLimitWindow = %v, want 5m", stats.RateLimitWindow)
	}
}

func TestGlobalRegistry(t *testing.T) {
	GlobalClear()

	err := &TracedError{
		Code:      "TEST-001",
		Severity:  SeverityError,
		Timestamp: time.Now(),
		TraceID:   "tr_global",
	}

	if !GlobalShouldLog(err) {
		t.Error("GlobalShouldLog should return true for first occurrence")
	}

	record := GlobalGetRecord("TEST-001")
	if record == nil {
		t.Error("GlobalGetRecord should return record")
	}

	stats := GlobalStats()
	if stats.UniqueErrorCodes < 1 {
		t.Error("GlobalStats should show at least 1 unique error")
	}

	GlobalMarkResolved("TEST-001")
	if GlobalGetRecord("TEST-001") != nil {
		t.Error("After GlobalMarkResolved, record should be gone")
	}
}

func TestSetGlobalRegistry(t *testing.T) {
	customRegistry := NewSamplingRegistry(SamplingConfig{
		RateLimitWindow: 1 * time.Hour,
	})

	originalRegistry := GetGlobalRegistry()
	SetGlobalRegistry(customRegistry)

	stats := GlobalStats()
	if stats.RateLimitWindow != 1*time.Hour {
		t.Errorf("Custom registry not in use, RateLimitWindow = %v", stats.RateLimitWindow)
	}

	SetGlobalRegistry(originalRegistry)
}

func TestSamplingRegistry_Concurrent(t *testing.T) {
	registry := NewSamplingRegistry(SamplingConfig{
		RateLimitWindow: 1 * time.Second,
	})

	done := make(chan bool)

	for i := 0; i < 10; i++ {
		go func(id int) {
			for j := 0; j < 10; j++ {
				err := &TracedError{
					Code:      "OLM-011",
					Severity:  SeverityError,
					Timestamp: time.Now(),
					TraceID:   "tr",
				}
				registry.ShouldLog(err)
			}
			done <- true
		}(i)
	}

	for i := 0; i < 10; i++ {
		<-done
	}

	record := registry.GetRecord("OLM-011")
	if record == nil {
		t.Fatal("Record should exist")
	}
	if record.Count != 100 {
		t.Errorf("Count = %d, want 100", record.Count)
	}
}

func TestErrorRecord_Copy(t *testing.T) {
	registry := NewSamplingRegistry(DefaultSamplingConfig())

	registry.ShouldLog(&TracedError{
		Code:      "OLM-011",
		Severity:  SeverityError,
		Timestamp: time.Now(),
		TraceID:   "tr_original",
	})

	record1 := registry.GetRecord("OLM-011")
	record2 := registry.GetRecord("OLM-011")

	if record1 == record2 {
		t.Error("GetRecord should return copies, not same pointer")
	}
}
