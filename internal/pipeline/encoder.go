package pipeline

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/telemyapp/aegis-play/internal/logging"
	"github.com/telemyapp/aegis-play/internal/model"
)

// Encoder produces an H.264 Annex-B elementary stream for the given capture
// parameters. Closing the returned reader stops capture and encoding.
type Encoder interface {
	Start(ctx context.Context, params model.StreamParams) (io.ReadCloser, error)
}

// Capture sources understood by FFmpegEncoder.
const (
	CaptureTestPattern = "testsrc"
	CaptureX11         = "x11grab"
)

// FFmpegEncoder runs ffmpeg as a subprocess and reads the encoded stream
// from its stdout.
type FFmpegEncoder struct {
	Path    string
	Capture string
	Display string
	Log     *logging.Logger
}

func (e FFmpegEncoder) args(p model.StreamParams) []string {
	size := fmt.Sprintf("%dx%d", p.Width, p.Height)
	fps := strconv.Itoa(p.FPS)

	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}
	switch e.Capture {
	case CaptureX11:
		args = append(args, "-f", "x11grab", "-framerate", fps, "-video_size", size, "-i", e.Display)
	default:
		args = append(args, "-re", "-f", "lavfi", "-i", "testsrc2=size="+size+":rate="+fps)
	}
	return append(args,
		"-an",
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-profile:v", "baseline",
		"-level", "3.1",
		"-pix_fmt", "yuv420p",
		"-b:v", strconv.Itoa(p.Bitrate)+"k",
		"-maxrate", strconv.Itoa(p.Bitrate)+"k",
		"-bufsize", strconv.Itoa(p.Bitrate/2)+"k",
		"-g", strconv.Itoa(p.FPS*2),
		"-bsf:v", "h264_metadata=aud=insert",
		"-f", "h264",
		"pipe:1",
	)
}

func (e FFmpegEncoder) Start(ctx context.Context, p model.StreamParams) (io.ReadCloser, error) {
	path := e.Path
	if path == "" {
		path = "ffmpeg"
	}
	cmd := exec.CommandContext(ctx, path, e.args(p)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := &logWriter{log: e.Log}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg (%s): %w", path, err)
	}
	if e.Log != nil {
		e.Log.Info().Str("event", "encoder_started").Int("pid", cmd.Process.Pid).
			Str("capture", e.Capture).Int("width", p.Width).Int("height", p.Height).Int("fps", p.FPS).Msg("ffmpeg")
	}
	return &ffmpegStream{ReadCloser: stdout, cmd: cmd, ctx: ctx}, nil
}

type ffmpegStream struct {
	io.ReadCloser
	cmd  *exec.Cmd
	ctx  context.Context
	once sync.Once
	err  error
}

// Close kills the subprocess and reaps it. Exits caused by Close or by the
// context are not errors.
func (s *ffmpegStream) Close() error {
	s.once.Do(func() {
		_ = s.ReadCloser.Close()
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		err := s.cmd.Wait()
		if err != nil && s.ctx.Err() == nil && !strings.Contains(err.Error(), "killed") {
			s.err = fmt.Errorf("ffmpeg exited: %w", err)
		}
	})
	return s.err
}

type logWriter struct {
	log *logging.Logger
}

func (w *logWriter) Write(b []byte) (int, error) {
	if w.log != nil {
		if line := strings.TrimSpace(string(b)); line != "" {
			w.log.Warn().Str("event", "encoder_stderr").Msg(line)
		}
	}
	return len(b), nil
}
