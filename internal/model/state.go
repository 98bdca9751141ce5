package model

// VolumeState is the lifecycle position of a remote volume.
type VolumeState string

const (
	Temporary VolumeState = "Temporary"
	Uploading VolumeState = "Uploading"
	Uploaded  VolumeState = "Uploaded"
	Verified  VolumeState = "Verified"
	Deleting  VolumeState = "Deleting"
	Deleted   VolumeState = "Deleted"
)

var transitions = map[VolumeState][]VolumeState{
	Temporary: {Uploading, Deleting},
	Uploading: {Uploaded, Temporary, Deleting},
	Uploaded:  {Verified, Deleting, Uploading},
	Verified:  {Verified, Deleting, Uploading},
	Deleting:  {Deleting, Deleted},
}

// ValidTransition reports whether a volume may move from one state to another.
// Moving back to Temporary or Uploading is only used after a failure has been
// confirmed remotely.
func ValidTransition(from, to VolumeState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseVolumeState validates a stored state string.
func ParseVolumeState(s string) (VolumeState, bool) {
	switch st := VolumeState(s); st {
	case Temporary, Uploading, Uploaded, Verified, Deleting, Deleted:
		return st, true
	}
	return "", false
}
