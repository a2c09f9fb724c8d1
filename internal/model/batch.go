package model

// Batch is the tagged input accepted by the orchestrator's batch sync.
//
// Implementations are closed to this package: FormattedBatch carries a complete,
// already formatted snapshot; CompletionRefBatch carries raw completion references
// that require regeneration before anything is pushed.
type Batch interface {
	batchKind() string
}

// FormattedBatch is a complete tenant dataset ready to push as-is.
// ResourceID, when set, is the resource the records were built for.
type FormattedBatch struct {
	Records    []FormattedRecord
	ResourceID string
}

func (FormattedBatch) batchKind() string { return "formatted" }

// CompletionRef identifies one completion fact.
type CompletionRef struct {
	UserID   int64 `json:"user_id"`
	CourseID int64 `json:"course_id"`
}

// CompletionRefBatch lists completions that changed; the tenant snapshot is rebuilt.
type CompletionRefBatch struct {
	Refs []CompletionRef
}

func (CompletionRefBatch) batchKind() string { return "refs" }

// BatchKind names the variant for logging.
func BatchKind(b Batch) string {
	if b == nil {
		return "none"
	}
	return b.batchKind()
}
