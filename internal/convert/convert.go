package convert

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nmoreras/punchcard/internal/core"
)

// Access table names in the timeclock schema.
const (
	userTable  = "USERINFO"
	punchTable = "CHECKINOUT"
)

const defaultMdbExport = "mdb-export"

// Compile-time interface satisfaction check.
var _ core.Runner = (*Converter)(nil)

// Converter implements core.Runner for .mdb attendance conversions.
type Converter struct {
	logger      *slog.Logger
	scratchRoot string
	mdbExport   string
}

// New creates a Converter that places per-job scratch directories under
// scratchRoot and invokes the mdb-export binary found on PATH.
func New(logger *slog.Logger, scratchRoot string) *Converter {
	return &Converter{
		logger:      logger,
		scratchRoot: scratchRoot,
		mdbExport:   defaultMdbExport,
	}
}

// Run converts the job's .mdb into an .xlsx workbook at the requested output
// path, reporting progress along the way.
func (c *Converter) Run(ctx context.Context, spec core.Spec, progress core.ProgressFunc) (core.Result, error) {
	scratch := filepath.Join(c.scratchRoot, "scratch-"+uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return core.Result{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	progress(fmt.Sprintf("received %s", filepath.Base(spec.SourcePath)))

	usersCSV := filepath.Join(scratch, "users.csv")
	punchesCSV := filepath.Join(scratch, "punches.csv")

	progress("exporting " + userTable)
	if err := c.exportTable(ctx, spec.SourcePath, userTable, usersCSV); err != nil {
		return core.Result{}, err
	}
	progress("exporting " + punchTable)
	if err := c.exportTable(ctx, spec.SourcePath, punchTable, punchesCSV); err != nil {
		return core.Result{}, err
	}

	uf, err := os.Open(usersCSV)
	if err != nil {
		return core.Result{}, fmt.Errorf("open users export: %w", err)
	}
	users, err := parseUsers(uf)
	uf.Close()
	if err != nil {
		return core.Result{}, err
	}

	pf, err := os.Open(punchesCSV)
	if err != nil {
		return core.Result{}, fmt.Errorf("open punches export: %w", err)
	}
	groups, punches, err := parsePunches(pf, users, spec.Year, spec.Month)
	pf.Close()
	if err != nil {
		return core.Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return core.Result{}, err
	}

	rows := buildRows(users, groups)
	progress(fmt.Sprintf("parsed %d punches into %d attendance rows (period %04d-%02d)",
		punches, len(rows), spec.Year, spec.Month))

	out := spec.OutputPath
	if !strings.EqualFold(filepath.Ext(out), ".xlsx") {
		out += ".xlsx"
	}
	progress("writing workbook")
	if err := writeWorkbook(out, rows); err != nil {
		return core.Result{}, err
	}

	c.logger.Info("conversion complete",
		"job_id", spec.JobID,
		"rows", len(rows),
		"output", out,
	)
	progress("done")
	return core.Result{OutputPath: out, Rows: len(rows)}, nil
}

// exportTable runs mdb-export for one table and writes its CSV output to
// outPath. The subprocess inherits ctx, so a deadline or drain kills it.
func (c *Converter) exportTable(ctx context.Context, mdbPath, table, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create export file: %w", err)
	}
	defer out.Close()

	cmd := exec.CommandContext(ctx, c.mdbExport,
		"-D", "%Y-%m-%d %H:%M:%S",
		"-R", "\\n",
		"-d", ",",
		"-Q",
		mdbPath, table,
	)
	cmd.Stdout = out
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("mdb-export %s: %s", table, msg)
		}
		return fmt.Errorf("mdb-export %s: %w", table, err)
	}
	return nil
}
