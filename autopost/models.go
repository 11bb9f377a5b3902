package autopost

import (
	"time"

	"github.com/TulparLabs/tulpar-autopost/marketplace"
)

// Product is a marketplace item after price conversion, carrying everything
// downstream stages attach to it.
type Product struct {
	marketplace.RawProduct

	PriceLocal    int64
	OldPriceLocal int64
	Description   string
	ImagePath     string
	CardPath      string
}

// Fallback names a degraded path taken during a run.
type Fallback string

const (
	FallbackCached        Fallback = "FALLBACK_CACHED"
	FallbackCurrencyDB    Fallback = "FALLBACK_CURRENCY_DB"
	FallbackTemplate      Fallback = "FALLBACK_TEMPLATE"
	FallbackMirrorSkipped Fallback = "FALLBACK_MIRROR_SKIPPED"
)

// Stage names, in execution order.
const (
	StageFetch     = "fetch"
	StageConvert   = "convert"
	StageFilter    = "filter"
	StageGenerate  = "generate"
	StageDownload  = "download"
	StageCompose   = "compose"
	StageBroadcast = "broadcast"
	StageMirror    = "mirror"
	StagePersist   = "persist"
	StageNotify    = "notify"
)

// StageResult records one stage's outcome for the operator report.
type StageResult struct {
	Stage    string
	Success  bool
	Duration time.Duration
	Err      error
}

// PipelineReport is the aggregate outcome of one run.
type PipelineReport struct {
	Success     bool
	FailedStage string
	Err         error

	Stages        []StageResult
	FallbacksUsed []Fallback

	ProductCount       int
	Category           string
	BroadcastMessageID int64
	MirrorPostID       string
	PostID             int64
	StartedAt          time.Time
	Elapsed            time.Duration
}

func (r *PipelineReport) recordStage(stage string, start time.Time, err error) {
	r.Stages = append(r.Stages, StageResult{
		Stage:    stage,
		Success:  err == nil,
		Duration: time.Since(start),
		Err:      err,
	})
}

func (r *PipelineReport) addFallback(f Fallback) {
	for _, existing := range r.FallbacksUsed {
		if existing == f {
			return
		}
	}
	r.FallbacksUsed = append(r.FallbacksUsed, f)
}

// HasFallback reports whether the run degraded through the given path.
func (r *PipelineReport) HasFallback(f Fallback) bool {
	for _, existing := range r.FallbacksUsed {
		if existing == f {
			return true
		}
	}
	return false
}
