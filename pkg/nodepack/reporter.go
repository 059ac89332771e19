package nodepack

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/segmentio/textio"
)

// Reporter reports pipeline progress and user-facing messages. Messages are
// categorized: errors and warnings stand out, warnings never abort the build.
type Reporter struct {
	out    io.Writer
	times  map[string]time.Time
	mu     sync.Mutex
	writer map[string]io.Writer
}

// exclusiveWriter makes a writer an exclusive resource by protecting Write
// calls with a mutex.
type exclusiveWriter struct {
	O  io.Writer
	mu sync.Mutex
}

func (w *exclusiveWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.O.Write(p)
}

// NewConsoleReporter produces a reporter printing to stdout.
func NewConsoleReporter() *Reporter {
	return &Reporter{
		out:    os.Stdout,
		times:  make(map[string]time.Time),
		writer: make(map[string]io.Writer),
	}
}

// PhaseStarted is called when a pipeline phase gets underway.
func (r *Reporter) PhaseStarted(phase string) {
	r.mu.Lock()
	r.times[phase] = time.Now()
	r.mu.Unlock()

	fmt.Fprint(r.out, color.Sprintf("<yellow>%s started</>\n", phase))
}

// PhaseFinished is called when a pipeline phase has finished. A non-nil err
// means the phase, and with it the build, failed.
func (r *Reporter) PhaseFinished(phase string, err error) {
	r.mu.Lock()
	dur := time.Since(r.times[phase])
	delete(r.times, phase)
	delete(r.writer, phase)
	r.mu.Unlock()

	if err != nil {
		fmt.Fprint(r.out, color.Sprintf("<red>%s failed</>\n<white>Reason:</> %s\n", phase, err))
		return
	}
	fmt.Fprint(r.out, color.Sprintf("<green>%s succeeded</> <gray>(%.2fs)</>\n", phase, dur.Seconds()))
}

// CommandOutput returns the writer sandbox command output streams to, with
// each line prefixed by the phase name.
func (r *Reporter) CommandOutput(phase string) io.Writer {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.writer[phase]
	if !ok {
		prefix := color.Gray.Render(fmt.Sprintf("[%s] ", phase))
		res = &exclusiveWriter{O: textio.NewPrefixWriter(r.out, prefix)}
		r.writer[phase] = res
	}
	return res
}

// Warnf prints a categorized warning. Warnings do not abort the build.
func (r *Reporter) Warnf(format string, args ...interface{}) {
	fmt.Fprint(r.out, color.Sprintf("<yellow>warning:</> %s\n", fmt.Sprintf(format, args...)))
}

// Errorf prints a categorized error message. Termination is the caller's
// decision.
func (r *Reporter) Errorf(format string, args ...interface{}) {
	fmt.Fprint(r.out, color.Sprintf("<red>error:</> %s\n", fmt.Sprintf(format, args...)))
}

// Infof prints an informational message.
func (r *Reporter) Infof(format string, args ...interface{}) {
	fmt.Fprintf(r.out, "%s\n", fmt.Sprintf(format, args...))
}
