package assembly

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// ProjectConfig is the part of cdk.json needed to run the app
type ProjectConfig struct {
	App string `json:"app"`
}

// Synthesizer runs a CDK app and loads the resulting cloud assembly
type Synthesizer struct {
	projectPath string
	outputDir   string
	logger      zerolog.Logger
}

// NewSynthesizer creates a synthesizer writing to outputDir, or to
// <projectPath>/cdk.out when outputDir is empty
func NewSynthesizer(projectPath, outputDir string, logger zerolog.Logger) *Synthesizer {
	if outputDir == "" {
		outputDir = filepath.Join(projectPath, "cdk.out")
	}
	return &Synthesizer{projectPath: projectPath, outputDir: outputDir, logger: logger}
}

// OutputDir returns the assembly directory written by Synth
func (s *Synthesizer) OutputDir() string {
	return s.outputDir
}

// Synth synthesizes the app and reads the resulting assembly
func (s *Synthesizer) Synth(ctx context.Context) (*Assembly, error) {
	cfg, err := s.readProjectConfig()
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("app", cfg.App).Msg("synthesizing CDK app")

	if err := s.run(ctx, cfg.App); err != nil {
		return nil, err
	}
	return Read(s.outputDir)
}

func (s *Synthesizer) readProjectConfig() (*ProjectConfig, error) {
	data, err := os.ReadFile(filepath.Join(s.projectPath, "cdk.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read cdk.json: %w", err)
	}

	var cfg ProjectConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse cdk.json: %w", err)
	}
	if strings.TrimSpace(cfg.App) == "" {
		return nil, fmt.Errorf("empty app command in cdk.json")
	}
	return &cfg, nil
}

func (s *Synthesizer) run(ctx context.Context, appCmd string) error {
	env := append(os.Environ(), "CDK_OUTDIR="+s.outputDir)

	// Python apps run from their virtual environment when there is one
	venv := filepath.Join(s.projectPath, ".venv")
	if _, err := os.Stat(venv); err == nil {
		venvBin := filepath.Join(venv, "bin")
		for _, py := range []string{"python3 ", "python "} {
			if rest, ok := strings.CutPrefix(appCmd, py); ok {
				appCmd = filepath.Join(venvBin, "python") + " " + rest
				break
			}
		}
		env = append(env,
			fmt.Sprintf("PATH=%s:%s", venvBin, os.Getenv("PATH")),
			"VIRTUAL_ENV="+venv,
		)
	}

	cmd := exec.CommandContext(ctx, "npx", "cdk", "synth", "--app", appCmd, "--output", s.outputDir, "--quiet")
	cmd.Dir = s.projectPath
	cmd.Env = env
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("CDK synthesis failed: %w", err)
	}
	return nil
}
