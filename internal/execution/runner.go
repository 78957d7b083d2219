package execution

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pds/internal/domain"
	"pds/internal/metrics"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/encoding/ianaindex"
)

// timeUnit scales the configured minutes to wait for a product.
var timeUnit = time.Minute

const resultTimeout = "Product time out."

// ProcessRunner executes the product of exactly one job.
type ProcessRunner struct {
	jobUUID       uuid.UUID
	configuration string

	products  domain.ProductRegistry
	workspace domain.WorkspaceService
	env       *EnvironmentBuilder
	logger    *slog.Logger
	tracer    trace.Tracer
	unit      time.Duration

	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	canceled bool
}

// NewProcessRunner creates a runner for job. Only the uuid and configuration
// of job are captured, later changes to the record are not seen.
func NewProcessRunner(job *domain.Job, products domain.ProductRegistry, workspace domain.WorkspaceService, env *EnvironmentBuilder, logger *slog.Logger) *ProcessRunner {
	return &ProcessRunner{
		jobUUID:       job.UUID,
		configuration: job.Configuration,
		products:      products,
		workspace:     workspace,
		env:           env,
		logger:        logger.With("component", "process-runner", "job_uuid", job.UUID.String()),
		tracer:        otel.Tracer("pds-process-runner"),
		unit:          timeUnit,
	}
}

// Run executes the job and always cleans up its workspace afterwards.
// Failures of the job itself are reported through the outcome, the returned
// error is ErrCanceled when the job was canceled while running.
func (r *ProcessRunner) Run(ctx context.Context) (domain.ExecutionOutcome, error) {
	ctx, span := r.tracer.Start(ctx, "execution.Run",
		trace.WithAttributes(attribute.String("job.uuid", r.jobUUID.String())))
	defer span.End()
	defer r.cleanup()

	r.logger.Info("prepare execution of job")
	outcome, err := r.execute(ctx, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job execution canceled")
		r.logger.Info("execution of job canceled")
		return outcome, err
	}
	if outcome.Failed {
		span.SetStatus(codes.Error, "job execution failed")
	}
	r.logger.Info("finished execution of job", "exit_code", outcome.ExitCode, "failed", outcome.Failed)
	return outcome, nil
}

func (r *ProcessRunner) execute(ctx context.Context, span trace.Span) (domain.ExecutionOutcome, error) {
	cfg, err := domain.ParseJobConfiguration(r.configuration)
	if err != nil {
		return r.failure(err), nil
	}
	logger := r.logger.With("product_id", cfg.ProductID)
	span.SetAttributes(attribute.String("product.id", cfg.ProductID))

	product, productErr := r.products.Product(cfg.ProductID)

	minutes, err := cfg.MinutesToWait(product, r.products.DefaultMinutesToWait())
	if err != nil {
		return r.failure(err), nil
	}
	if minutes < 1 {
		return r.failure(fmt.Errorf("%w: minutes to wait for result configured too low: %d", domain.ErrInvalidConfiguration, minutes)), nil
	}
	if limit := r.products.MaxMinutesToWait(); limit > 0 && minutes > limit {
		logger.Warn("minutes to wait for result exceeds maximum, using maximum", "configured", minutes, "max", limit)
		minutes = limit
	}

	loc, err := r.workspace.Prepare(r.jobUUID)
	if err != nil {
		return r.failure(fmt.Errorf("prepare workspace: %w", err)), nil
	}
	if productErr != nil {
		logger.Error("product not configured on this server", "error", productErr)
		return domain.ExecutionOutcome{
			Failed: true,
			Result: fmt.Sprintf("Execution of job uuid:%s failed. Product id %q is not configured on this server.", r.jobUUID, cfg.ProductID),
		}, nil
	}
	if err := r.workspace.UnzipUploads(ctx, r.jobUUID, product); err != nil {
		return r.failure(fmt.Errorf("unzip uploads: %w", err)), nil
	}

	started := time.Now()
	done, err := r.spawn(cfg, product, loc)
	if err != nil {
		if errors.Is(err, ErrCanceled) {
			return domain.ExecutionOutcome{}, err
		}
		return r.failure(err), nil
	}
	defer func() {
		metrics.ExecutionDuration.WithLabelValues(cfg.ProductID).Observe(time.Since(started).Seconds())
	}()

	logger.Debug("wait for product process", "minutes", minutes)
	return r.waitForResult(ctx, logger, cfg, loc, time.Duration(minutes)*r.unit, done)
}

// failure logs cause and returns the generic failed outcome. The cause never
// reaches the result text.
func (r *ProcessRunner) failure(cause error) domain.ExecutionOutcome {
	r.logger.Error("execution of job failed", "error", cause)
	return domain.ExecutionOutcome{
		Failed: true,
		Result: fmt.Sprintf("Execution of job uuid:%s failed. Please look into the server logs for details.", r.jobUUID),
	}
}

func (r *ProcessRunner) spawn(cfg *domain.JobConfiguration, product *domain.ProductSetup, loc domain.Location) (<-chan error, error) {
	if r.isCanceled() {
		return nil, ErrCanceled
	}
	dir, err := realCurrentDir()
	if err != nil {
		return nil, fmt.Errorf("%w: resolve current directory: %w", ErrSpawn, err)
	}
	stdout, err := os.Create(loc.SystemOutFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	defer stdout.Close()
	stderr, err := os.Create(loc.SystemErrFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	defer stderr.Close()

	cmd := exec.Command(product.Path)
	cmd.Dir = dir
	cmd.Env = r.processEnvironment(cfg, product, loc).Environ()
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled {
		return nil, ErrCanceled
	}
	if err := cmd.Start(); err != nil {
		r.logger.Error("process start failed", "path", product.Path, "dir", dir)
		return nil, fmt.Errorf("%w: %s: %w", ErrSpawn, product.Path, err)
	}
	r.cmd = cmd
	r.running = true
	r.logger.Info("started product process", "path", product.Path, "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		done <- err
	}()
	return done, nil
}

func (r *ProcessRunner) processEnvironment(cfg *domain.JobConfiguration, product *domain.ProductSetup, loc domain.Location) *EnvironmentMap {
	env := NewEnvironmentMap()
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env.Set(k, v)
		}
	}
	env.Merge(r.env.Build(cfg, product.Parameters))

	env.Set("PDS_JOB_UUID", r.jobUUID.String())
	env.Set("PDS_JOB_WORKSPACE_LOCATION", loc.Workspace)
	env.Set("PDS_JOB_RESULT_FILE", loc.ResultFile)
	env.Set("PDS_JOB_SOURCECODE_ZIP_FILE", loc.ZippedSource)
	env.Set("PDS_JOB_SOURCECODE_UNZIPPED_FOLDER", loc.UnzippedSource)
	env.Set("SECHUB_JOB_UUID", cfg.SecHubJobUUID)
	return env
}

func (r *ProcessRunner) waitForResult(ctx context.Context, logger *slog.Logger, cfg *domain.JobConfiguration, loc domain.Location, timeout time.Duration, done <-chan error) (domain.ExecutionOutcome, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-timer.C:
		logger.Error("product time out reached, destroying process", "error", ErrTimeout, "timeout", timeout)
		metrics.ProcessTimeoutsTotal.WithLabelValues(cfg.ProductID).Inc()
		r.kill()
		<-done
		return domain.ExecutionOutcome{Failed: true, Result: resultTimeout, ExitCode: 1}, nil
	case <-ctx.Done():
		r.kill()
		<-done
		return domain.ExecutionOutcome{}, ErrCanceled
	}
	if r.isCanceled() {
		return domain.ExecutionOutcome{}, ErrCanceled
	}

	exitCode := r.cmd.ProcessState.ExitCode()
	logger.Debug("product process ended", "exit_code", exitCode, "wait_error", waitErr)

	encoding := r.workspace.Encoding()
	result, err := readText(loc.ResultFile, encoding)
	if err == nil {
		return domain.ExecutionOutcome{Result: result, ExitCode: exitCode}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return r.failure(fmt.Errorf("read result file: %w", err)), nil
	}

	logger.Warn("product did not write a result file", "error", ErrMissingResultFile, "path", loc.ResultFile)
	var b strings.Builder
	b.WriteString("Result file not found at ")
	b.WriteString(loc.ResultFile)
	if out, err := readText(loc.SystemOutFile, encoding); err == nil && out != "" {
		b.WriteString("\nOutput:\n")
		b.WriteString(out)
	}
	if errOut, err := readText(loc.SystemErrFile, encoding); err == nil && errOut != "" {
		b.WriteString("\nErrors:\n")
		b.WriteString(errOut)
	}
	return domain.ExecutionOutcome{Failed: true, Result: b.String(), ExitCode: exitCode}, nil
}

// PrepareForCancel destroys a running product process and removes the
// workspace. It may be called any number of times, also before Run.
func (r *ProcessRunner) PrepareForCancel() {
	r.mu.Lock()
	r.canceled = true
	if r.running {
		r.logger.Info("cancellation will destroy product process forcibly", "pid", r.cmd.Process.Pid)
		if err := killProcess(r.cmd); err != nil {
			r.logger.Error("failed to destroy product process", "error", err)
		}
	}
	r.mu.Unlock()

	r.cleanup()
}

func (r *ProcessRunner) kill() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	if err := killProcess(r.cmd); err != nil {
		r.logger.Error("failed to destroy product process", "error", err)
	}
}

func (r *ProcessRunner) isCanceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

func (r *ProcessRunner) cleanup() {
	if r.workspace.AutoCleanDisabled() {
		r.logger.Info("auto cleanup is disabled, keeping workspace", "location", r.workspace.Location(r.jobUUID).Workspace)
		return
	}
	if err := r.workspace.Cleanup(r.jobUUID); err != nil {
		r.logger.Error("workspace cleanup failed", "error", err)
		return
	}
	r.logger.Debug("workspace cleanup done")
}

func realCurrentDir() (string, error) {
	dir, err := filepath.Abs(".")
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(dir)
}

// readText reads path and decodes it from the IANA encoding name.
func readText(path, encoding string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	enc, err := ianaindex.IANA.Encoding(encoding)
	if err != nil {
		return "", fmt.Errorf("unknown encoding %q: %w", encoding, err)
	}
	if enc == nil {
		return string(raw), nil
	}
	decoded, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		return "", fmt.Errorf("decode %s as %s: %w", path, encoding, err)
	}
	return string(decoded), nil
}
