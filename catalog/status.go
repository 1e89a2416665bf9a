package catalog

// Status is the single source of truth for what must happen next to a
// dataset. Workers poll by status and advance it through compare-and-set.
type Status string

const (
	StatusSubmitted        Status = "submitted"
	StatusUploadQueued     Status = "upload queued"
	StatusUploading        Status = "uploading"
	StatusUnzipping        Status = "unzipping"
	StatusSyncQueued       Status = "sync queued"
	StatusSyncing          Status = "syncing"
	StatusConversionQueued Status = "conversion queued"
	StatusConverting       Status = "converting"
	StatusDone             Status = "done"
	StatusUploadError      Status = "upload error"
	StatusSyncError        Status = "sync error"
	StatusConversionError  Status = "conversion error"
	StatusConversionFailed Status = "conversion failed"
	StatusCancelled        Status = "cancelled"
)

// transitions is the static table of valid status moves. Cycles exist only
// through the error→queued retry resets and through re-ingestion of a
// finished dataset (adding files or re-triggering conversion).
var transitions = map[Status][]Status{
	StatusSubmitted:        {StatusUploadQueued, StatusSyncQueued, StatusUploading, StatusUnzipping, StatusConversionQueued, StatusDone, StatusCancelled},
	StatusUploadQueued:     {StatusUploading, StatusUploadError, StatusCancelled},
	StatusUploading:        {StatusUnzipping, StatusConversionQueued, StatusDone, StatusUploadError, StatusCancelled},
	StatusUnzipping:        {StatusConversionQueued, StatusDone, StatusUploadError, StatusCancelled},
	StatusSyncQueued:       {StatusSyncing, StatusSyncError, StatusCancelled},
	StatusSyncing:          {StatusUnzipping, StatusConversionQueued, StatusDone, StatusSyncError, StatusCancelled},
	StatusConversionQueued: {StatusConverting, StatusCancelled},
	StatusConverting:       {StatusDone, StatusConversionQueued, StatusConversionError, StatusConversionFailed, StatusCancelled},
	StatusUploadError:      {StatusUploadQueued, StatusUploading, StatusCancelled},
	StatusSyncError:        {StatusSyncQueued, StatusCancelled},
	StatusConversionError:  {StatusConversionQueued, StatusCancelled},
	StatusDone:             {StatusUploadQueued, StatusUploading, StatusConversionQueued},
	StatusConversionFailed: {},
	StatusCancelled:        {},
}

// Valid reports whether s is in the declared status set.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether the dispatcher ignores datasets in this state.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusConversionFailed || s == StatusCancelled
}

// CanTransition reports whether from→to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Statuses returns the full declared status set.
func Statuses() []Status {
	out := make([]Status, 0, len(transitions))
	for s := range transitions {
		out = append(out, s)
	}
	return out
}
