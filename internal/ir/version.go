package ir

const (
	// SchemaVersion is the on-disk store schema version.
	SchemaVersion = 1

	// Version is the holdfast release version.
	Version = "0.1.0"
)
