package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/example/face-verify/internal/imagecodec"
	"github.com/example/face-verify/internal/logging"
)

// CommandOptions configures a CommandProvider.
type CommandOptions struct {
	// Path is the representer executable. It is invoked as
	// `Path --model M --detector D <image.jpg>` and must print a Response
	// document on stdout.
	Path     string
	Model    string
	Detector string
	Stager   Stager
}

// CommandProvider runs a local representer process per extraction.
type CommandProvider struct {
	opts   CommandOptions
	logger *zap.Logger
}

// NewCommandProvider checks the executable is resolvable and returns a provider.
func NewCommandProvider(opts CommandOptions, logger *zap.Logger) (*CommandProvider, error) {
	resolved, err := exec.LookPath(opts.Path)
	if err != nil {
		return nil, logging.NewOperationError("embedding.command.lookup", "", err)
	}
	opts.Path = resolved
	return &CommandProvider{opts: opts, logger: logger.Named("command_provider")}, nil
}

// Extract stages img on disk and runs the representer against it.
func (p *CommandProvider) Extract(ctx context.Context, img *imagecodec.Image) (*Face, error) {
	var face *Face
	err := p.opts.Stager.WithFile(img, func(path string) error {
		var err error
		face, err = p.represent(ctx, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return face, nil
}

func (p *CommandProvider) represent(ctx context.Context, path string) (*Face, error) {
	cmd := exec.CommandContext(ctx, p.opts.Path, "--model", p.opts.Model, "--detector", p.opts.Detector, path)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		return nil, logging.NewOperationError("embedding.command.run", "", ctx.Err())
	}

	var resp Response
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			// The representer crashed before producing a document.
			detail := strings.TrimSpace(stderr.String())
			if detail == "" {
				detail = exitErr.Error()
			}
			p.logger.Warn("representer exited without a response", zap.Int("exit_code", exitErr.ExitCode()), zap.String("stderr", detail))
			return nil, Classify(detail)
		}
		if runErr != nil {
			return nil, logging.NewOperationError("embedding.command.run", "", runErr)
		}
		return nil, logging.NewOperationError("embedding.command.decode", "", fmt.Errorf("invalid representer output: %w", err))
	}
	return resp.Resolve()
}
