package enum

type UploadState int32

const (
	NoUpload UploadState = iota
	Collecting
	Complete
	Retrying
	Confirmed
	Abandoned
)

func (s UploadState) String() string {
	switch s {
	case NoUpload:
		return "no_upload"
	case Collecting:
		return "collecting"
	case Complete:
		return "complete"
	case Retrying:
		return "retrying"
	case Confirmed:
		return "confirmed"
	case Abandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// IsFinished reports whether a new upload may replace one in this state.
func (s UploadState) IsFinished() bool {
	return s == NoUpload || s == Confirmed || s == Abandoned
}
