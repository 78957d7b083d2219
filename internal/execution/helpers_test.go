//go:build unix

package execution

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"pds/internal/domain"
	"pds/internal/infra/memory"
	"pds/internal/serverconfig"
	"pds/internal/workspace"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testServerID = "test-server"

type fixture struct {
	root      string
	repo      *memory.JobRepository
	products  *serverconfig.Service
	workspace *workspace.Service
	logger    *slog.Logger
}

type fixtureOption func(*workspace.Config)

func withAutoCleanDisabled() fixtureOption {
	return func(c *workspace.Config) { c.AutoCleanDisabled = true }
}

func withEncoding(enc string) fixtureOption {
	return func(c *workspace.Config) { c.Encoding = enc }
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("sh not available: %v", err)
	}
}

func newFixture(t *testing.T, products []domain.ProductSetup, opts ...fixtureOption) *fixture {
	t.Helper()
	requireShell(t)

	root := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	wsCfg := workspace.Config{RootFolder: root}
	for _, o := range opts {
		o(&wsCfg)
	}
	ws, err := workspace.New(wsCfg, logger)
	require.NoError(t, err)

	cfg := &serverconfig.ServerConfiguration{APIVersion: "1.0", ServerID: testServerID, Products: products}
	require.NoError(t, cfg.Validate())

	return &fixture{
		root:      root,
		repo:      memory.NewJobRepository(testServerID),
		products:  serverconfig.NewService(cfg, serverconfig.Timeouts{DefaultMinutes: 1, MaxMinutes: 60}, logger),
		workspace: ws,
		logger:    logger,
	}
}

// script writes an executable sh script into a temp dir and returns its path.
func script(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "product.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func product(id, path string, allowed ...string) domain.ProductSetup {
	p := domain.ProductSetup{ID: id, Path: path}
	for _, k := range allowed {
		p.Parameters.Optional = append(p.Parameters.Optional, domain.ParameterDefinition{Key: k})
	}
	return p
}

func jobConfig(productID string, params ...domain.ExecutionParameter) string {
	var b strings.Builder
	b.WriteString(`{"productId":` + strconv.Quote(productID) + `,"parameters":[`)
	for i, p := range params {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString(`{"key":` + strconv.Quote(p.Key) + `,"value":` + strconv.Quote(p.Value) + `}`)
	}
	b.WriteString("]}")
	return b.String()
}

func (f *fixture) newJob(t *testing.T, productID string, params ...domain.ExecutionParameter) *domain.Job {
	t.Helper()
	job := domain.NewJob(testServerID, jobConfig(productID, params...))
	require.NoError(t, f.repo.Save(t.Context(), job))
	return job
}

func (f *fixture) runner(job *domain.Job) *ProcessRunner {
	return NewProcessRunner(job, f.products, f.workspace, NewEnvironmentBuilder(f.logger), f.logger)
}

// shrinkMinutes makes one configured minute last d for runners created
// afterwards.
func shrinkMinutes(t *testing.T, d time.Duration) {
	t.Helper()
	old := timeUnit
	timeUnit = d
	t.Cleanup(func() { timeUnit = old })
}

// waitForPID waits until the product wrote its pid to path.
func waitForPID(t *testing.T, path string) int {
	t.Helper()
	var pid int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		if err != nil {
			return false
		}
		pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
		return err == nil && pid > 0
	}, 5*time.Second, 10*time.Millisecond)
	return pid
}

func requireProcessGone(t *testing.T, pid int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return errors.Is(unix.Kill(pid, 0), unix.ESRCH)
	}, 5*time.Second, 10*time.Millisecond, "process %d still alive", pid)
}
