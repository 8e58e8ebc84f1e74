package checkpoint

import (
	"fmt"

	"go.tessera.dev/core/namenode/storage"
)

// State is the checkpoint state machine driving the upload-and-roll
// protocol with a secondary actor.
type State int

const (
	// StateStart accepts a new RollEditLog.
	StateStart State = iota
	// StateRolledEdits means the edit log has been rolled and an upload
	// may be validated.
	StateRolledEdits
	// StateUploadStart means an image upload is underway.
	StateUploadStart
	// StateUploadDone means an uploaded (or locally saved) image is ready
	// to be rolled into place.
	StateUploadDone
)

// String returns the State name.
func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateRolledEdits:
		return "ROLLED_EDITS"
	case StateUploadStart:
		return "UPLOAD_START"
	case StateUploadDone:
		return "UPLOAD_DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Signature identifies one checkpoint generation. A secondary actor
// obtains a Signature from RollEditLog and presents it back through
// upload validation and RollImage, proving both actors agree on the
// storage identity and checkpoint being replaced.
type Signature struct {
	storage.Info
	// CheckpointTime is the fstime of the checkpoint being replaced.
	CheckpointTime int64
	// EditsTime is the modification time of the rolled edits file.
	EditsTime int64
	// ImageDigest is the hex digest of the image this signature labels.
	ImageDigest string
}

// Validate returns an error if |sig| does not match the engine's storage
// identity and checkpoint time.
func (sig Signature) Validate(info storage.Info, checkpointTime int64) error {
	if sig.LayoutVersion != info.LayoutVersion {
		return fmt.Errorf("signature layout version %d does not match %d",
			sig.LayoutVersion, info.LayoutVersion)
	} else if sig.NamespaceID != info.NamespaceID {
		return fmt.Errorf("signature namespace id %d does not match %d",
			sig.NamespaceID, info.NamespaceID)
	} else if sig.CTime != info.CTime {
		return fmt.Errorf("signature cTime %d does not match %d",
			sig.CTime, info.CTime)
	} else if sig.CheckpointTime != checkpointTime {
		return fmt.Errorf("signature checkpoint time %d does not match %d",
			sig.CheckpointTime, checkpointTime)
	}
	return nil
}
