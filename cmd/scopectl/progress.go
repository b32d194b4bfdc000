package main

import (
	"os"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/chronologos/scopelink/internal/protocol"
)

// progressBar renders server-reported (current, total) progress on stderr.
// Busy reports leave the bar untouched.
type progressBar struct {
	p     *mpb.Progress
	bar   *mpb.Bar
	total int
	done  bool
}

func newProgressBar(name string) *progressBar {
	p := mpb.New(
		mpb.WithWidth(48),
		mpb.WithRefreshRate(100*time.Millisecond),
		mpb.WithOutput(os.Stderr),
	)
	bar := p.New(0,
		mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding(" ").Rbound("]"),
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight}),
			decor.CountersNoUnit("%d / %d", decor.WCSyncWidth),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.Elapsed(decor.ET_STYLE_GO, decor.WC{W: 5}), "done"),
		),
	)
	return &progressBar{p: p, bar: bar}
}

func (b *progressBar) Update(p protocol.Progress) {
	if b.done || p.Busy() || p.Total <= 0 {
		return
	}
	if p.Total != b.total {
		b.total = p.Total
		b.bar.SetTotal(int64(p.Total), false)
	}
	b.bar.SetCurrent(int64(p.Current))
}

// Finish completes the bar on success or drops it otherwise, then waits
// for the final render.
func (b *progressBar) Finish(ok bool) {
	if b.done {
		return
	}
	b.done = true
	if ok {
		b.bar.SetTotal(-1, true)
	} else {
		b.bar.Abort(false)
	}
	b.p.Wait()
}
