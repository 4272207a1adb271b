package main

import (
	"io"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/gogpu/gpures/gpucore"
)

func (r report) print(w io.Writer) {
	p := message.NewPrinter(language.English)
	s := r.Stats

	p.Fprintf(w, "backend           %s\n", r.Backend)
	p.Fprintf(w, "frames            %d in %v", r.Frames, r.Elapsed.Round(time.Millisecond))
	if r.Elapsed > 0 {
		p.Fprintf(w, " (%.1f frames/s)", float64(r.Frames)/r.Elapsed.Seconds())
	}
	p.Fprintln(w)
	p.Fprintf(w, "draws             %d\n", r.Draws)
	p.Fprintf(w, "instances         %d\n", r.Instances)
	p.Fprintf(w, "skipped draws     %d\n", r.Skipped)
	p.Fprintf(w, "fences            %d submitted, %d completed\n", s.Queue.LastSubmitted, s.Queue.LastCompleted)
	p.Fprintf(w, "stalls            %d\n", s.Queue.Stalls)
	p.Fprintf(w, "ring pages        %d\n", s.RingPages)
	p.Fprintf(w, "packed buffers    %s, %d resizes, %s migrated\n",
		gpucore.ByteSize(s.PackedBytes), s.PackedResizes, gpucore.ByteSize(s.BytesMigrated))
	p.Fprintf(w, "bindings          %d of %d in use\n", s.BindingsUsed, s.BindingCapacity)
	p.Fprintf(w, "pending releases  %d\n", s.PendingReleases)
}
