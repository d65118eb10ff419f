package recording

import (
	"fmt"

	"livecast/pkg/ffmpeg"
)

// Process is a running capture subprocess.
type Process interface {
	// Quit asks the process to finalize the output and exit.
	Quit() error
	Terminate() error
	Kill() error
	Done() <-chan struct{}
	// Err is the exit error once Done is closed.
	Err() error
}

// Launcher starts a capture from input into output.
type Launcher func(input, output string) (Process, error)

func FFmpegLauncher(ff *ffmpeg.FFmpeg) Launcher {
	return func(input, output string) (Process, error) {
		p, err := ff.Capture(input, output)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", ff.Path(), err)
		}
		return p, nil
	}
}
