package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"cdk-reconciler/internal/logging"
	"cdk-reconciler/pkg/assembly"
	"cdk-reconciler/pkg/cdk"
	"cdk-reconciler/pkg/cfn"
	"cdk-reconciler/pkg/config"
	"cdk-reconciler/pkg/git"
	"cdk-reconciler/pkg/sdk"
)

type rootFlags struct {
	configPath string
	repo       string
	ref        string
	destDir    string
	cleanup    bool
	assembly   string
	profile    string
	region     string
	verbose    bool
}

func (f *rootFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.configPath, "config", "c", "", "Deployment configuration file")
	fs.StringVar(&f.repo, "repo", "", "Git repository URL of the CDK project to clone")
	fs.StringVar(&f.ref, "ref", "", "Branch or tag to clone")
	fs.StringVar(&f.destDir, "dest", "", "Destination directory for cloning (default: temp directory)")
	fs.BoolVar(&f.cleanup, "cleanup", true, "Clean up cloned repository after operation")
	fs.StringVarP(&f.assembly, "assembly", "a", "", "Cloud assembly directory, or CDK project directory to synthesize")
	fs.StringVar(&f.profile, "profile", "", "AWS profile")
	fs.StringVar(&f.region, "region", "", "AWS region")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "Enable verbose logging")
}

// load reads the configuration file, when one is given, and applies the
// flags that were set on top of it
func (f *rootFlags) load(fs *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if fs.Changed("repo") {
		cfg.Repo = f.repo
	}
	if fs.Changed("assembly") {
		cfg.Assembly = f.assembly
	}
	if fs.Changed("profile") {
		cfg.Profile = f.profile
	}
	if fs.Changed("region") {
		cfg.Region = f.region
	}
	if f.verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

type deployFlags struct {
	hotswap         bool
	hotswapFallback bool
	method          string
	changeSetName   string
	noExecute       bool
	noRollback      bool
	force           bool
	parameters      []string
	tags            []string
	progress        string
	toolkitBucket   string
}

func (f *deployFlags) register(fs *pflag.FlagSet) {
	fs.BoolVar(&f.hotswap, "hotswap", false, "Update Lambda code and other assets without a CloudFormation deployment, skipping non-hotswappable changes")
	fs.BoolVar(&f.hotswapFallback, "hotswap-fallback", false, "Try a hotswap deployment and fall back to a full deployment when it is not possible")
	fs.StringVarP(&f.method, "method", "m", "", "Deployment method: change-set or direct")
	fs.StringVar(&f.changeSetName, "change-set-name", "", "Name of the CloudFormation change set to create")
	fs.BoolVar(&f.noExecute, "no-execute", false, "Create the change set without executing it")
	fs.BoolVar(&f.noRollback, "no-rollback", false, "Do not roll back the stack when the deployment fails")
	fs.BoolVarP(&f.force, "force", "f", false, "Deploy even when the template has not changed")
	fs.StringArrayVar(&f.parameters, "parameters", nil, "Stack parameter as KEY=VALUE or STACK:KEY=VALUE (repeatable)")
	fs.StringArrayVar(&f.tags, "tags", nil, "Stack tag as KEY=VALUE (repeatable)")
	fs.StringVar(&f.progress, "progress", "", "Progress display: bar or events")
	fs.StringVar(&f.toolkitBucket, "toolkit-bucket", "", "Bucket for templates too large to inline")
}

func (f *deployFlags) apply(fs *pflag.FlagSet, cfg *config.Config) error {
	switch {
	case f.hotswap && f.hotswapFallback:
		return errors.New("--hotswap and --hotswap-fallback cannot be used together")
	case f.hotswap:
		cfg.Hotswap = "hotswap-only"
	case f.hotswapFallback:
		cfg.Hotswap = "fall-back"
	}

	if fs.Changed("method") {
		cfg.Method = f.method
	}
	if fs.Changed("change-set-name") {
		cfg.ChangeSetName = f.changeSetName
	}
	if f.noExecute {
		cfg.Execute = false
	}
	if f.noRollback {
		cfg.Rollback = false
	}
	if f.force {
		cfg.Force = true
	}
	if fs.Changed("progress") {
		cfg.Progress = f.progress
	}
	if fs.Changed("toolkit-bucket") {
		cfg.ToolkitBucket = f.toolkitBucket
	}

	for _, p := range f.parameters {
		stack := config.AllStacks
		kv := p
		if i := strings.Index(p, ":"); i > 0 && i < strings.Index(p, "=") {
			stack, kv = p[:i], p[i+1:]
		}
		key, value, err := splitKeyValue(kv)
		if err != nil {
			return fmt.Errorf("invalid parameter %q: %w", p, err)
		}
		if cfg.Parameters == nil {
			cfg.Parameters = map[string]map[string]string{}
		}
		if cfg.Parameters[stack] == nil {
			cfg.Parameters[stack] = map[string]string{}
		}
		cfg.Parameters[stack][key] = value
	}

	for _, t := range f.tags {
		key, value, err := splitKeyValue(t)
		if err != nil {
			return fmt.Errorf("invalid tag %q: %w", t, err)
		}
		if cfg.Tags == nil {
			cfg.Tags = map[string]string{}
		}
		cfg.Tags[key] = value
	}
	return nil
}

func splitKeyValue(s string) (string, string, error) {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return "", "", errors.New("expected KEY=VALUE")
	}
	return key, value, nil
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:           "cdk-reconciler",
		Short:         "Deploys the stacks of a CDK cloud assembly to CloudFormation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.register(cmd.PersistentFlags())

	cmd.AddCommand(newDeployCmd(flags))
	cmd.AddCommand(newDestroyCmd(flags))
	cmd.AddCommand(newDriftCmd(flags))
	cmd.AddCommand(newSynthCmd(flags))
	return cmd
}

func newDeployCmd(root *rootFlags) *cobra.Command {
	flags := &deployFlags{}

	cmd := &cobra.Command{
		Use:   "deploy [STACKS...]",
		Short: "Deploy stacks, dependencies first",
		Example: `  cdk-reconciler deploy --repo https://github.com/user/cdk-project.git
  cdk-reconciler deploy -a cdk.out --hotswap-fallback ApiStack
  cdk-reconciler deploy -c deploy.yaml --parameters ApiStack:Stage=prod --tags team=storage`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := flags.apply(cmd.Flags(), cfg); err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			return runWorkspace(cmd, root, cfg, func(ctx context.Context, ws *workspace) error {
				stacks, err := ws.selectStacks(args)
				if err != nil {
					return err
				}
				toolkit, err := ws.toolkit(ctx, cmd.OutOrStdout())
				if err != nil {
					return err
				}

				results, err := toolkit.DeployAll(ctx, stacks, cfg)
				printDeployResults(cmd.OutOrStdout(), results)
				if err != nil {
					return fmt.Errorf("deployment failed: %w", err)
				}
				return nil
			})
		},
	}
	flags.register(cmd.Flags())
	return cmd
}

func newDestroyCmd(root *rootFlags) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "destroy [STACKS...]",
		Short: "Destroy stacks, dependents first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			return runWorkspace(cmd, root, cfg, func(ctx context.Context, ws *workspace) error {
				stacks, err := ws.selectStacks(args)
				if err != nil {
					return err
				}
				if !force {
					ok, err := confirmDestroy(cmd.InOrStdin(), cmd.OutOrStdout(), stacks)
					if err != nil || !ok {
						return err
					}
				}
				toolkit, err := ws.toolkit(ctx, cmd.OutOrStdout())
				if err != nil {
					return err
				}
				return toolkit.DestroyAll(ctx, stacks, cfg)
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Do not ask for confirmation")
	return cmd
}

func newDriftCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "drift [STACKS...]",
		Short: "Detect drift of deployed stacks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			return runWorkspace(cmd, root, cfg, func(ctx context.Context, ws *workspace) error {
				stacks, err := ws.selectStacks(args)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(stacks))
				for _, s := range stacks {
					names = append(names, s.StackName)
				}

				toolkit, err := ws.toolkit(ctx, cmd.OutOrStdout())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Detecting drift for %d stack(s)...\n", len(names))
				results, err := toolkit.DetectDriftAll(ctx, names, cfg)
				printDriftResults(cmd.OutOrStdout(), results)
				if err != nil {
					return fmt.Errorf("drift detection failed: %w", err)
				}
				return nil
			})
		},
	}
}

func newSynthCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "synth",
		Short: "Synthesize the CDK app and list its stacks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			return runWorkspace(cmd, root, cfg, func(ctx context.Context, ws *workspace) error {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "\nSynthesis complete!\n")
				fmt.Fprintf(out, "Template directory: %s\n", ws.assembly.Directory)
				for _, s := range ws.assembly.Stacks {
					fmt.Fprintf(out, "  %s\n", s.DisplayName)
				}
				return nil
			})
		},
	}
}

// workspace is the loaded assembly a command operates on
type workspace struct {
	cfg      *config.Config
	logger   zerolog.Logger
	assembly *assembly.Assembly
}

func (ws *workspace) selectStacks(args []string) ([]*assembly.StackArtifact, error) {
	names := args
	if len(names) == 0 {
		names = ws.cfg.Stacks
	}
	return ws.assembly.Select(names...)
}

func (ws *workspace) toolkit(ctx context.Context, out io.Writer) (*cdk.Toolkit, error) {
	session, err := sdk.NewSession(ctx, ws.cfg.Profile, ws.cfg.Region)
	if err != nil {
		return nil, err
	}
	return cdk.NewFromSession(session, out, ws.logger), nil
}

// runWorkspace clones the project when a repository is configured, loads or
// synthesizes the assembly and runs fn on it
func runWorkspace(cmd *cobra.Command, root *rootFlags, cfg *config.Config, fn func(context.Context, *workspace) error) error {
	ctx := cmd.Context()

	logger, err := logging.New(logging.Options{
		Level:         cfg.LogLevel,
		HumanReadable: term.IsTerminal(int(os.Stderr.Fd())),
	})
	if err != nil {
		return err
	}

	dir := cfg.Assembly
	if cfg.Repo != "" {
		projectPath, err := git.CloneRepository(ctx, git.CloneOptions{
			URL:     cfg.Repo,
			Ref:     root.ref,
			DestDir: root.destDir,
			Depth:   1,
			Logger:  logger,
		})
		if err != nil {
			return err
		}
		if root.cleanup {
			defer func() {
				logger.Debug().Str("path", projectPath).Msg("cleaning up repository")
				if err := git.CleanupRepository(projectPath); err != nil {
					logger.Warn().Err(err).Msg("failed to cleanup")
				}
			}()
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "Repository cloned to: %s\n", projectPath)
		}
		dir = filepath.Join(projectPath, dir)
	}

	asm, err := loadAssembly(ctx, dir, logger)
	if err != nil {
		return err
	}
	return fn(ctx, &workspace{cfg: cfg, logger: logger, assembly: asm})
}

// loadAssembly synthesizes dir when it is a CDK project and reads it as a
// cloud assembly otherwise
func loadAssembly(ctx context.Context, dir string, logger zerolog.Logger) (*assembly.Assembly, error) {
	if dir == "" {
		dir = "."
	}
	if _, err := os.Stat(filepath.Join(dir, "cdk.json")); err == nil {
		asm, err := assembly.NewSynthesizer(dir, "", logger).Synth(ctx)
		if err != nil {
			return nil, fmt.Errorf("synthesis failed: %w", err)
		}
		return asm, nil
	}
	return assembly.Read(dir)
}

func confirmDestroy(in io.Reader, out io.Writer, stacks []*assembly.StackArtifact) (bool, error) {
	if f, ok := in.(*os.File); ok && !term.IsTerminal(int(f.Fd())) {
		return false, errors.New("refusing to destroy without a terminal to confirm on; pass --force")
	}

	names := make([]string, 0, len(stacks))
	for _, s := range stacks {
		names = append(names, s.DisplayName)
	}
	fmt.Fprintf(out, "Are you sure you want to delete: %s (y/n)? ", strings.Join(names, ", "))

	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes", nil
}

func printDeployResults(out io.Writer, results []cdk.DeployResult) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintf(out, "\nDeployment complete!\n")
	for _, r := range results {
		fmt.Fprintf(out, "\nStack: %s\n", r.StackName)
		if r.NoOp {
			fmt.Fprintln(out, "Status: no changes")
		} else {
			fmt.Fprintln(out, "Status: deployed")
		}
		if r.StackARN != "" {
			fmt.Fprintf(out, "ARN: %s\n", r.StackARN)
		}
		if len(r.Outputs) > 0 {
			fmt.Fprintln(out, "Outputs:")
			for _, o := range r.Outputs {
				fmt.Fprintf(out, "  %s: %s\n", o.Key, o.Value)
			}
		}
	}
}

func printDriftResults(out io.Writer, results []cfn.DriftResult) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintf(out, "\nDrift Detection Complete!\n")
	for _, r := range results {
		fmt.Fprintf(out, "\nStack: %s\n", r.StackName)
		fmt.Fprintf(out, "Drift Status: %s\n", r.DriftStatus)
		if len(r.DriftedResources) == 0 {
			fmt.Fprintln(out, "No drifted resources found.")
			continue
		}
		fmt.Fprintln(out, "Drifted Resources:")
		for _, dr := range r.DriftedResources {
			fmt.Fprintf(out, "  - %s (%s)\n", dr.LogicalID, dr.ResourceType)
			fmt.Fprintf(out, "    Physical ID: %s\n", dr.PhysicalID)
			fmt.Fprintf(out, "    Status: %s\n", dr.DriftStatus)
			if len(dr.PropertyDiffs) > 0 {
				fmt.Fprintln(out, "    Property Differences:")
				for _, pd := range dr.PropertyDiffs {
					fmt.Fprintf(out, "      %s: expected=%s, actual=%s (%s)\n",
						pd.PropertyPath, pd.ExpectedValue, pd.ActualValue, pd.DifferenceType)
				}
			}
		}
	}
}
