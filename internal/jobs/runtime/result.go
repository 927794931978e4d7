package runtime

import "github.com/yungbote/studyforge-backend/internal/types"

// Result is the only way a handler reports its outcome. A fallback
// result asks the worker to enqueue a replacement job before the current
// one completes, so downstream gates stay closed while the replacement
// is pending.
type Result struct {
	Err         error
	FallbackJob *types.PipelineJob
	Reason      string
}

func Success() Result {
	return Result{}
}

func Fail(err error) Result {
	return Result{Err: err}
}

func NeedsFallback(reason string, job *types.PipelineJob) Result {
	return Result{Reason: reason, FallbackJob: job}
}

func (r Result) OK() bool {
	return r.Err == nil
}
