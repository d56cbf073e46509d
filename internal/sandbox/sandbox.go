package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crucible-run/crucible/internal/core"
	"github.com/crucible-run/crucible/internal/observability"
)

// Result captures everything a finished (or killed) execution produced.
// Ordinary runtime failures land here, not in an error return.
type Result struct {
	Stdout       string
	Stderr       string
	ExitCode     int
	TimedOut     bool
	ErrorMessage string
}

// OK reports whether the execution completed cleanly.
func (r *Result) OK() bool {
	return !r.TimedOut && r.ErrorMessage == ""
}

// BuildError is returned when the image build exits non-zero.
type BuildError struct {
	Image  string
	Stderr string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s failed: %s", e.Image, e.Stderr)
}

type Config struct {
	DockerBin    string        `envconfig:"CRUCIBLE_DOCKER_BIN" default:"docker"`
	MemoryLimit  string        `envconfig:"CRUCIBLE_SANDBOX_MEMORY" default:"256m"`
	CPULimit     string        `envconfig:"CRUCIBLE_SANDBOX_CPUS" default:"0.5"`
	PidsLimit    int           `envconfig:"CRUCIBLE_SANDBOX_PIDS" default:"64"`
	BuildTimeout time.Duration `envconfig:"CRUCIBLE_SANDBOX_BUILD_TIMEOUT" default:"120s"`
}

// Engine builds and runs one container per task through the docker CLI.
// Every exit path removes the built image and the build context directory.
type Engine struct {
	cfg Config
	log *zap.Logger
	run runCommand
}

func New(cfg Config, log *zap.Logger) *Engine {
	return &Engine{cfg: cfg, log: log, run: execRun}
}

// Execute builds an image from contextDir and runs it under the deadline
// carried by ctx. It returns a non-nil error only when the pipeline itself
// breaks (docker unavailable, build failure); runtime failures and timeouts
// come back inside Result.
func (e *Engine) Execute(ctx context.Context, lang core.Language, input, contextDir, uniqueName string) (*Result, error) {
	image := "crucible/task:" + uniqueName
	log := e.log.With(zap.String("image", image), zap.String("language", string(lang)))

	imageBuilt := false
	defer func() { e.cleanup(image, contextDir, imageBuilt, log) }()

	if err := e.build(ctx, lang, contextDir, image, log); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			observability.SandboxTimeoutTotal.WithLabelValues(string(lang)).Inc()
			return &Result{TimedOut: true, ErrorMessage: core.ExpiredMessage}, nil
		}
		return nil, err
	}
	imageBuilt = true

	return e.runContainer(ctx, lang, input, image, uniqueName, log)
}

func (e *Engine) build(ctx context.Context, lang core.Language, contextDir, image string, log *zap.Logger) error {
	params := lang.Params()
	args := []string{
		"build", "-t", image,
		"--build-arg", "BASE_IMAGE=" + params.BaseImage,
		"--build-arg", "SDK_IMAGE=" + params.SDKImage,
		contextDir,
	}

	buildCtx := ctx
	if e.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		buildCtx, cancel = context.WithTimeout(ctx, e.cfg.BuildTimeout)
		defer cancel()
	}

	start := time.Now()
	_, stderr, exitCode, err := e.run(buildCtx, "", e.cfg.DockerBin, args...)
	observability.SandboxBuildDuration.WithLabelValues(string(lang)).Observe(time.Since(start).Seconds())

	if err != nil {
		// Propagate a dead task context, deadline or shutdown; a
		// build-timeout alone is an infra limit.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("docker build: %w", err)
	}
	if exitCode != 0 {
		log.Warn("image build failed", zap.Int("exit_code", exitCode))
		return &BuildError{Image: image, Stderr: strings.TrimSpace(stderr)}
	}
	return nil
}

func (e *Engine) runContainer(ctx context.Context, lang core.Language, input, image, uniqueName string, log *zap.Logger) (*Result, error) {
	args := []string{
		"run", "--rm",
		"--name", uniqueName,
		"--network", "none",
		"--read-only",
		"--tmpfs", "/tmp",
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--pids-limit", fmt.Sprint(e.cfg.PidsLimit),
		"--memory", e.cfg.MemoryLimit,
		"--cpus", e.cfg.CPULimit,
	}
	if input != "" {
		args = append(args, "-i")
	}
	args = append(args, image)

	start := time.Now()
	stdout, stderr, exitCode, err := e.run(ctx, input, e.cfg.DockerBin, args...)
	observability.SandboxRunDuration.WithLabelValues(string(lang)).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		observability.SandboxTimeoutTotal.WithLabelValues(string(lang)).Inc()
		// The process group is already killed; make sure the container is too.
		e.forceRemoveContainer(uniqueName, log)
		log.Warn("execution killed by deadline", zap.Duration("ran_for", time.Since(start)))
		return &Result{TimedOut: true, ErrorMessage: core.ExpiredMessage}, nil
	case errors.Is(err, context.Canceled):
		// Worker shutdown, not TTL exhaustion; surface it so the delivery is
		// requeued instead of the task being recorded as expired.
		e.forceRemoveContainer(uniqueName, log)
		log.Warn("execution interrupted", zap.Duration("ran_for", time.Since(start)))
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("docker run: %w", err)
	}

	res := &Result{Stdout: stdout, Stderr: stderr, ExitCode: exitCode}
	if exitCode != 0 {
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = "no output on stderr"
		}
		res.ErrorMessage = fmt.Sprintf("exited with code %d: %s", exitCode, msg)
	}
	return res, nil
}

// cleanup removes the built image and the scaffolded build context. It runs
// on every exit path; leaking either exhausts the host under load. A failed
// build never tagged the image, so there is nothing to remove for it.
func (e *Engine) cleanup(image, contextDir string, imageBuilt bool, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if imageBuilt {
		if _, stderr, exitCode, err := e.run(ctx, "", e.cfg.DockerBin, "rmi", "-f", image); err != nil || exitCode != 0 {
			observability.SandboxCleanupFailTotal.WithLabelValues("image").Inc()
			log.Warn("image cleanup failed", zap.Int("exit_code", exitCode), zap.String("stderr", stderr), zap.Error(err))
		}
	}
	if err := os.RemoveAll(contextDir); err != nil {
		observability.SandboxCleanupFailTotal.WithLabelValues("dir").Inc()
		log.Warn("build dir cleanup failed", zap.String("dir", contextDir), zap.Error(err))
	}
}

func (e *Engine) forceRemoveContainer(name string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, _, exitCode, err := e.run(ctx, "", e.cfg.DockerBin, "rm", "-f", name); err != nil || exitCode != 0 {
		log.Warn("container force-remove failed", zap.String("container", name), zap.Error(err))
	}
}
