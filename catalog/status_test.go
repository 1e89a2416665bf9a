package catalog

import "testing"

func TestStatusValid(t *testing.T) {
	for _, s := range Statuses() {
		if !s.Valid() {
			t.Errorf("declared status %q not valid", s)
		}
	}
	if Status("frobnicating").Valid() {
		t.Error("unknown status reported valid")
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := map[Status]bool{
		StatusDone:             true,
		StatusConversionFailed: true,
		StatusCancelled:        true,
	}
	for _, s := range Statuses() {
		if got := s.Terminal(); got != terminal[s] {
			t.Errorf("Terminal(%q) = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusSubmitted, StatusUploadQueued, true},
		{StatusUploadQueued, StatusUploading, true},
		{StatusUploading, StatusUnzipping, true},
		{StatusUnzipping, StatusConversionQueued, true},
		{StatusConversionQueued, StatusConverting, true},
		{StatusConverting, StatusDone, true},
		{StatusConverting, StatusConversionQueued, true},
		{StatusConverting, StatusConversionFailed, true},
		{StatusUploadError, StatusUploadQueued, true},
		{StatusConversionError, StatusConversionQueued, true},
		{StatusDone, StatusConversionQueued, true},
		{StatusSubmitted, StatusDone, true},

		{StatusCancelled, StatusSubmitted, false},
		{StatusConversionFailed, StatusConversionQueued, false},
		{StatusDone, StatusSubmitted, false},
		{StatusUploading, StatusConverting, false},
		{StatusConversionQueued, StatusDone, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestCancelReachableFromEveryActiveStatus(t *testing.T) {
	for _, s := range Statuses() {
		if s.Terminal() {
			continue
		}
		if !CanTransition(s, StatusCancelled) {
			t.Errorf("no cancel path from %q", s)
		}
	}
}
