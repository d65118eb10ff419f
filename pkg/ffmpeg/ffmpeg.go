package ffmpeg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	utils "livecast/pkg/utils"
)

type FFmpeg struct {
	path string
}

func New(path string) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{path: path}
}

func (f *FFmpeg) Path() string {
	return f.path
}

// CaptureArgs copies both elementary streams from input into an mp4 with the
// index at the front, overwriting output.
func CaptureArgs(input, output string) []string {
	return []string{
		"-i", input,
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "mp4",
		"-movflags", "+faststart",
		"-y",
		output,
	}
}

// Process is a running capture.
type Process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	name  string

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// Capture starts ffmpeg pulling input into output. Progress and error lines
// from stderr are forwarded to the logger.
func (f *FFmpeg) Capture(input, output string) (*Process, error) {
	cmd := exec.Command(f.path, CaptureArgs(input, output)...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg start: %w", err)
	}

	p := &Process{
		cmd:   cmd,
		stdin: stdin,
		name:  output,
		done:  make(chan struct{}),
	}
	go p.wait(stderr)

	return p, nil
}

func (p *Process) wait(stderr io.Reader) {
	p.logOutput(stderr)

	err := p.cmd.Wait()

	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// logOutput logs progress and error lines. If a line overflows the scanner
// the rest of the stream is discarded so ffmpeg never blocks on a full pipe.
func (p *Process) logOutput(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLines)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case strings.Contains(line, "frame="):
			utils.Logger.WithField("output", p.name).Debug(line)
		case strings.Contains(strings.ToLower(line), "error"):
			utils.Logger.WithField("output", p.name).Warn(line)
		}
	}
	if err := scanner.Err(); err != nil {
		utils.Logger.WithField("output", p.name).Warnf("Stopped reading ffmpeg output: %v", err)
		io.Copy(io.Discard, stderr)
	}
}

// Quit asks ffmpeg to finish the file and exit.
func (p *Process) Quit() error {
	_, err := p.stdin.Write([]byte("q\n"))
	return err
}

// Terminate sends SIGTERM.
func (p *Process) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *Process) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *Process) signal(sig syscall.Signal) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(sig)
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err is the exit error, valid after Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// scanLines splits on \n or \r, since ffmpeg rewrites its progress line.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
