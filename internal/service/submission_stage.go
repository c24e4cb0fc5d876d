package service

// stage names a step of the submission pipeline.
type stage string

const (
	stageCreate     stage = "create"
	stageProcessing stage = "processing"
	stageSynthesize stage = "synthesize"
	stageUpload     stage = "upload"
	stageFinalize   stage = "finalize"
	stageReap       stage = "reap"
)

// stageResult is the tagged outcome of one pipeline step: a value on success, or the
// error together with the step that produced it. Results are threaded through the
// pipeline explicitly; a failed result short-circuits every later step.
type stageResult[T any] struct {
	value T
	stage stage
	err   error
}

func succeeded[T any](v T) stageResult[T] {
	return stageResult[T]{value: v}
}

func failedAt[T any](st stage, err error) stageResult[T] {
	return stageResult[T]{stage: st, err: err}
}

func (r stageResult[T]) ok() bool {
	return r.err == nil
}

// andThen runs next on a successful result and carries a failure through unchanged.
func andThen[A, B any](r stageResult[A], next func(A) stageResult[B]) stageResult[B] {
	if !r.ok() {
		return failedAt[B](r.stage, r.err)
	}
	return next(r.value)
}
