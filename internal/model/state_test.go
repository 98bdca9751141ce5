package model

import "testing"

func TestValidTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to VolumeState
		want     bool
	}{
		{Temporary, Uploading, true},
		{Uploading, Uploaded, true},
		{Uploaded, Verified, true},
		{Verified, Verified, true},
		{Uploaded, Deleting, true},
		{Deleting, Deleted, true},
		{Deleting, Deleting, true},
		{Uploading, Temporary, true},

		{Temporary, Uploaded, false},
		{Uploading, Verified, false},
		{Deleting, Uploaded, false},
		{Deleted, Deleting, false},
		{Deleted, Uploaded, false},
		{Temporary, Deleted, false},
		{Uploaded, Deleted, false},
	}
	for _, tt := range tests {
		if got := ValidTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseVolumeState(t *testing.T) {
	t.Parallel()
	if s, ok := ParseVolumeState("Deleting"); !ok || s != Deleting {
		t.Errorf("ParseVolumeState(Deleting) = %q, %v", s, ok)
	}
	if _, ok := ParseVolumeState("Gone"); ok {
		t.Error("ParseVolumeState(Gone) succeeded")
	}
}

func TestVolumeUsage_WastedRatio(t *testing.T) {
	t.Parallel()
	u := VolumeUsage{ActiveSize: 300, InactiveSize: 100}
	if got := u.WastedRatio(); got != 0.25 {
		t.Errorf("WastedRatio() = %v, want 0.25", got)
	}
	empty := VolumeUsage{}
	if got := empty.WastedRatio(); got != 0 {
		t.Errorf("WastedRatio() on empty = %v, want 0", got)
	}
}
