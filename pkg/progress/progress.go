// Package progress renders per-unit progress bars from migrator events.
package progress

import (
	"io"
	"sync"

	"github.com/anicoll/cosmigrate"
	"github.com/rs/zerolog/log"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// Reporter is a cosmigrate.Observer drawing one bar per migration unit.
// Item totals are not known up front, so bars count items and complete when
// the unit does.
type Reporter struct {
	mu       sync.Mutex
	disabled bool
	progress *mpb.Progress
	bars     map[string]*mpb.Bar
	retries  map[string]int
}

// NewReporter returns a Reporter writing to out. When disabled, progress is
// only logged, which suits non-interactive output.
func NewReporter(out io.Writer, disabled bool) *Reporter {
	r := &Reporter{
		disabled: disabled,
		bars:     make(map[string]*mpb.Bar),
		retries:  make(map[string]int),
	}
	if !disabled {
		r.progress = mpb.New(mpb.WithOutput(out), mpb.WithWidth(40))
	}
	return r
}

// Observe implements cosmigrate.Observer.
func (r *Reporter) Observe(ev cosmigrate.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case cosmigrate.EventUnitState:
		r.unitState(ev.Unit)
	case cosmigrate.EventPageFlushed:
		key := ev.Unit.Source.String()
		if bar, ok := r.bars[key]; ok {
			bar.SetCurrent(ev.Unit.Counts.Total())
		}
	case cosmigrate.EventAttempt:
		if ev.Attempt != nil && !ev.Attempt.Final {
			r.retries[ev.Attempt.Class.String()]++
		}
	}
}

func (r *Reporter) unitState(u cosmigrate.UnitResult) {
	key := u.Source.String()
	if r.disabled {
		if u.State != cosmigrate.StatePending {
			log.Info().Str("unit", key).Str("state", string(u.State)).Int64("items", u.Counts.Total()).Msg("progress")
		}
		return
	}

	switch u.State {
	case cosmigrate.StateCopying:
		bar := r.progress.AddBar(0,
			mpb.BarFillerClearOnComplete(),
			mpb.PrependDecorators(
				decor.Name(key, decor.WCSyncSpaceR),
			),
			mpb.AppendDecorators(
				decor.OnComplete(decor.CurrentNoUnit("%d items", decor.WCSyncSpaceR), "completed"),
				decor.Elapsed(decor.ET_STYLE_GO),
			),
		)
		bar.SetCurrent(u.Counts.Total())
		r.bars[key] = bar
	case cosmigrate.StateCompleted:
		if bar, ok := r.bars[key]; ok {
			bar.SetCurrent(u.Counts.Total())
			bar.SetTotal(-1, true)
		}
	case cosmigrate.StateFailed, cosmigrate.StateInterrupted:
		if bar, ok := r.bars[key]; ok {
			bar.Abort(false)
		}
	}
}

// Retries returns the number of retried attempts seen, by error class.
func (r *Reporter) Retries() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.retries))
	for k, v := range r.retries {
		out[k] = v
	}
	return out
}

// Wait blocks until every bar has been rendered for the last time.
// Call it after the migration finished.
func (r *Reporter) Wait() {
	if r.progress == nil {
		return
	}
	r.mu.Lock()
	for _, bar := range r.bars {
		if !bar.Completed() && !bar.Aborted() {
			bar.Abort(false)
		}
	}
	r.mu.Unlock()
	r.progress.Wait()
}

// Assert that Reporter implements Observer.
var _ cosmigrate.Observer = (*Reporter)(nil)
