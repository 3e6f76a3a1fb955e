package queue

// Item is a single checkpointed export blob waiting to be merged.
// Checkpoint is the upstream-assigned ordinal for the export slice and
// BlobRef addresses the raw blob in object storage. Items are immutable.
type Item struct {
	Checkpoint uint64 `json:"checkpoint"`
	BlobRef    string `json:"blobRef"`
}

// Less orders items by checkpoint ascending. Equal checkpoints are not
// expected from the feed; when they happen the relative order is arbitrary.
func (i Item) Less(other Item) bool {
	return i.Checkpoint < other.Checkpoint
}
