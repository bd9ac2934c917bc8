package main

import (
	"testing"

	"klinesync/internal/reconcile"
)

func TestParseResolutions(t *testing.T) {
	got, err := parseResolutions("2330.TW:2024-01-02=backup, AAPL:2024-01-03=primary")
	if err != nil {
		t.Fatalf("parseResolutions: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d resolutions, want 2", len(got))
	}
	if got[0].key.Symbol != "2330.TW" || got[0].key.Date.String() != "2024-01-02" || got[0].pref != reconcile.PreferBackup {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].key.Symbol != "AAPL" || got[1].pref != reconcile.PreferPrimary {
		t.Errorf("second = %+v", got[1])
	}

	if got, err := parseResolutions(""); err != nil || got != nil {
		t.Errorf("empty input = %v, %v", got, err)
	}

	for _, bad := range []string{"AAPL", "AAPL=backup", "AAPL:2024-13-01=backup", "AAPL:2024-01-02=newest"} {
		if _, err := parseResolutions(bad); err == nil {
			t.Errorf("parseResolutions(%q) succeeded, want error", bad)
		}
	}
}
