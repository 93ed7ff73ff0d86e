package dirstream

// ProgressEvent represents a progress update while an archive is produced.
type ProgressEvent struct {
	// Stage identifies the current phase of the operation.
	Stage ProgressStage

	// Path is the archive path of the entry just written, if applicable.
	Path string

	// BytesDone is the number of encoded bytes handed to the pipe so far.
	BytesDone int64

	// EntriesDone is the number of entries written so far.
	EntriesDone int

	// Warnings is the number of entries skipped so far.
	Warnings int
}

// ProgressStage identifies the current phase of an operation.
type ProgressStage uint8

const (
	// StageEnumerating indicates the root has been opened and the walk begins.
	StageEnumerating ProgressStage = iota

	// StageEncoding indicates an entry has been written to the archive.
	StageEncoding

	// StageComplete indicates the archive trailer has been written.
	StageComplete
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StageEnumerating:
		return "enumerating"
	case StageEncoding:
		return "encoding"
	case StageComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// ProgressFunc receives progress updates.
type ProgressFunc func(ProgressEvent)
