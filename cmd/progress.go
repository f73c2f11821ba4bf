package cmd

import (
	"io"
	"os"

	"github.com/vbauerster/mpb/v8"

	"github.com/loveace/acelink/cmd/common"
	"github.com/loveace/acelink/pkg/session"
)

// progressOutput receives the login progress bar.
var progressOutput io.Writer = os.Stderr

// phaseProgress drives a progress bar from session state changes.
type phaseProgress struct {
	p   *mpb.Progress
	bar *mpb.Bar
}

func newPhaseProgress(prefix string) *phaseProgress {
	p := mpb.New(mpb.WithOutput(progressOutput), mpb.WithWidth(40))
	return &phaseProgress{p: p, bar: common.InitPhaseBar(p, prefix)}
}

func (pp *phaseProgress) onStateChange(_, to session.State) {
	switch to {
	case session.Phase1Authenticated:
		pp.bar.SetCurrent(1)
	case session.Authenticated:
		pp.bar.SetCurrent(common.PhaseCount)
	case session.Phase1Failed, session.Phase2Failed:
		pp.bar.Abort(false)
	}
}

// wait blocks until the bar is rendered for the last time. A bar that did
// not complete is aborted.
func (pp *phaseProgress) wait() {
	if !pp.bar.Completed() {
		pp.bar.Abort(false)
	}
	pp.p.Wait()
}
