package synth

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/book-expert/logger"
)

// CommandConfig holds the configuration for the local command engine.
type CommandConfig struct {
	// BinaryPath is the synthesis binary invoked per job.
	BinaryPath string
	// ModelPath is passed to the binary via -m.
	ModelPath string
}

// CommandEngine implements core.Synthesizer by invoking a local synthesis
// binary, for deployments without a remote synthesis service.
type CommandEngine struct {
	config CommandConfig
	log    *logger.Logger
}

// NewCommandEngine creates a new CommandEngine.
func NewCommandEngine(cfg CommandConfig, log *logger.Logger) (*CommandEngine, error) {
	if cfg.BinaryPath == "" {
		return nil, fmt.Errorf("%w: binary path", ErrCommandConfig)
	}

	return &CommandEngine{
		config: cfg,
		log:    log,
	}, nil
}

// Synthesize runs the binary and returns the produced audio bytes.
func (e *CommandEngine) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	if text == "" {
		return nil, ErrTextEmpty
	}

	if voice == "" {
		return nil, ErrVoiceEmpty
	}

	tempFile, err := os.CreateTemp("", "voicedrop-output-*.mp3")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for synthesis output: %w", err)
	}

	closeErr := tempFile.Close()
	if closeErr != nil {
		e.log.Warn("Failed to close temp file '%s': %v", tempFile.Name(), closeErr)
	}

	defer func() {
		removeErr := os.Remove(tempFile.Name())
		if removeErr != nil {
			e.log.Warn("Failed to remove temp file '%s': %v", tempFile.Name(), removeErr)
		}
	}()

	args := []string{
		"-m", e.config.ModelPath,
		"-p", fmt.Sprintf("{%s}: %s", voice, text),
		"--export", tempFile.Name(),
	}

	// #nosec G204 -- binary path comes from configuration, text and voice
	// are passed as discrete arguments.
	cmd := exec.CommandContext(ctx, e.config.BinaryPath, args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("synthesis binary execution failed: %w - output: %s", err, string(output))
	}

	audioData, err := os.ReadFile(tempFile.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to read audio data from temp file: %w", err)
	}

	return audioData, nil
}
