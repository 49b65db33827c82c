// Package audio is the boundary to speech output.
package audio

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	appLog "chronocal/internal/log"
)

// Announcer speaks text at a volume between 0 and 1.
type Announcer interface {
	Announce(ctx context.Context, text string, volume float64) error
}

// AudioError reports that an announcement could not be produced. It never
// affects escalation progress.
type AudioError struct {
	Text string
	Err  error
}

func (e *AudioError) Error() string {
	return fmt.Sprintf("audio: announce %q: %v", e.Text, e.Err)
}

func (e *AudioError) Unwrap() error {
	return e.Err
}

// ErrNoCommand is returned by NewCommand when no command is configured.
var ErrNoCommand = errors.New("audio: empty command")

type voiceKey struct{}

// WithVoice attaches the voice an announcer should speak with.
func WithVoice(ctx context.Context, voice string) context.Context {
	if voice == "" {
		return ctx
	}
	return context.WithValue(ctx, voiceKey{}, voice)
}

// VoiceFrom returns the voice attached by WithVoice, or "".
func VoiceFrom(ctx context.Context) string {
	v, _ := ctx.Value(voiceKey{}).(string)
	return v
}

// Log announces by writing to the application log. It is the default when
// no speech command is configured.
type Log struct{}

func (Log) Announce(ctx context.Context, text string, volume float64) error {
	appLog.Info("announce", "text", text, "volume", volume, "voice", VoiceFrom(ctx))
	return nil
}

// Command runs an external text-to-speech program per announcement.
//
// Each argument may contain the placeholders {text}, {volume} and {voice};
// {volume} is substituted as an integer percentage and {voice} with the
// voice attached by WithVoice. For example:
//
//	espeak -v {voice} -a {volume} {text}
//
// Each run is bounded by Timeout and killed as soon as ctx is cancelled, so
// an acknowledgment can cut a phrase short. Runs are not serialized.
type Command struct {
	Args    []string
	Timeout time.Duration
}

const (
	defaultCommandTimeout = 20 * time.Second
	// commandWaitDelay bounds how long a killed player may hold its output
	// pipes open through child processes.
	commandWaitDelay = 500 * time.Millisecond
)

// NewCommand builds a Command announcer from a configured argument list.
func NewCommand(args []string) (*Command, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return nil, ErrNoCommand
	}
	return &Command{Args: args, Timeout: defaultCommandTimeout}, nil
}

func (c *Command) Announce(ctx context.Context, text string, volume float64) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := expand(c.Args, text, volume, VoiceFrom(ctx))
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = commandWaitDelay
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return &AudioError{Text: text, Err: ctx.Err()}
		}
		if len(out) > 0 {
			err = fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))
		}
		return &AudioError{Text: text, Err: err}
	}
	return nil
}

func expand(args []string, text string, volume float64, voice string) []string {
	pct := strconv.Itoa(int(clamp(volume)*100 + 0.5))
	out := make([]string, len(args))
	for i, a := range args {
		a = strings.ReplaceAll(a, "{text}", text)
		a = strings.ReplaceAll(a, "{volume}", pct)
		a = strings.ReplaceAll(a, "{voice}", voice)
		out[i] = a
	}
	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
