package synth

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-voicebridge/internal/playback"
	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd    []string
	dir    string
	format string
}

// NewExecSynth runs an external command per request. The command template may
// use {text}, {voice} and {output}; each placeholder is substituted inside a
// single argument, so text never splits into extra arguments. Without an
// {output} placeholder the command's stdout is taken as the audio.
func NewExecSynth(command, dir, format string) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	if format == "" {
		format = "mp3"
	}
	return &execSynth{cmd: args, dir: dir, format: format}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) (*playback.Clip, error) {
	out, err := os.CreateTemp(e.dir, "voicebridge-*."+e.format)
	if err != nil {
		return nil, fmt.Errorf("%w: create clip: %v", ErrSynthesis, err)
	}
	path := out.Name()
	clip := playback.NewClip(path, e.format, req.Voice)

	usesOutput := false
	replacer := strings.NewReplacer("{text}", req.Text, "{voice}", req.Voice, "{output}", path)
	args := make([]string, len(e.cmd))
	for i, arg := range e.cmd {
		if strings.Contains(arg, "{output}") {
			usesOutput = true
		}
		args[i] = replacer.Replace(arg)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if !usesOutput {
		cmd.Stdout = out
	}
	runErr := cmd.Run()
	closeErr := out.Close()
	if runErr != nil {
		clip.Release()
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		return nil, fmt.Errorf("%w: %s: %v: %s", ErrSynthesis, args[0], runErr, msg)
	}
	if closeErr != nil {
		clip.Release()
		return nil, fmt.Errorf("%w: close clip: %v", ErrSynthesis, closeErr)
	}

	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		clip.Release()
		return nil, fmt.Errorf("%w: %s produced no audio", ErrSynthesis, args[0])
	}
	return clip, nil
}
