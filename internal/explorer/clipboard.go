package explorer

import (
	"io"

	"github.com/atotto/clipboard"
	"github.com/aymanbagabas/go-osc52/v2"
)

type Clipboard interface {
	Copy(text string) error
}

// SystemClipboard writes to the clipboard of the machine the process
// runs on.
type SystemClipboard struct{}

func (SystemClipboard) Copy(text string) error {
	return clipboard.WriteAll(text)
}

// OSC52Clipboard asks the terminal on the other end of out to set its
// clipboard. It works across SSH where the system clipboard would be
// the server's.
type OSC52Clipboard struct {
	Out  io.Writer
	Tmux bool
}

func (c OSC52Clipboard) Copy(text string) error {
	seq := osc52.New(text)
	if c.Tmux {
		seq = seq.Tmux()
	}
	_, err := seq.WriteTo(c.Out)
	return err
}
