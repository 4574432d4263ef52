package transfer

import (
	"bufio"
	"encoding/json"
	"io"
)

// writer owns the output stream. Every reply goes through its channel, so
// each line on the wire is one whole JSON object and the replies of one
// request keep the order they were sent in.
type writer struct {
	ch   chan any
	done chan struct{}
	err  error
}

func newWriter(out io.Writer) *writer {
	w := &writer{ch: make(chan any, 16), done: make(chan struct{})}
	go w.loop(out)
	return w
}

func (w *writer) loop(out io.Writer) {
	defer close(w.done)
	bw := bufio.NewWriter(out)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	for v := range w.ch {
		if w.err != nil {
			continue
		}
		if err := enc.Encode(v); err != nil {
			w.err = err
			continue
		}
		w.err = bw.Flush()
	}
}

func (w *writer) send(v any) {
	w.ch <- v
}

// close waits for queued replies to be written and returns the first write
// error. No send may follow it.
func (w *writer) close() error {
	close(w.ch)
	<-w.done
	return w.err
}
