package solver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Request describes one global solver run.
type Request struct {
	// Dir is the working directory. Catalogs are staged into it and the
	// solver writes its headers and report there.
	Dir      string
	Catalogs []string
	// Ahead is the global header fragment holding the prior.
	Ahead   string
	XMLName string

	// Diagnostic runs keep the current astrometry, use each catalog's
	// solved header as its own prior and write a full output catalog.
	Diagnostic  bool
	FullCatalog string
}

// GlobalSolver runs the astrometric solver over a set of catalogs at once.
type GlobalSolver struct {
	tools Tools
	log   *slog.Logger
	run   execFunc
}

// NewGlobalSolver returns a GlobalSolver running the configured tools.
func NewGlobalSolver(tools Tools, logger *slog.Logger) *GlobalSolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &GlobalSolver{tools: tools, log: logger, run: execCommand}
}

// HeadPath is the solved header written for a staged catalog.
func HeadPath(dir, catalog string) string {
	base := filepath.Base(catalog)
	return filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base))+".head")
}

// Solve stages the catalogs, runs the solver and parses its report.
func (s *GlobalSolver) Solve(ctx context.Context, req Request) (Report, error) {
	if len(req.Catalogs) == 0 {
		return Report{}, errors.New("no catalogs to solve")
	}
	if err := os.MkdirAll(req.Dir, 0o755); err != nil {
		return Report{}, err
	}
	names, err := stage(req.Dir, req.Catalogs)
	if err != nil {
		return Report{}, err
	}

	xmlName := req.XMLName
	if xmlName == "" {
		xmlName = "scamp.xml"
	}
	report := filepath.Join(req.Dir, xmlName)
	_ = os.Remove(report)

	if req.Diagnostic {
		aheads, err := linkSolvedHeads(req.Dir, names)
		if err != nil {
			return Report{}, err
		}
		defer func() {
			for _, a := range aheads {
				_ = os.Remove(a)
			}
		}()
	}

	args := append([]string{}, names...)
	args = append(args, s.tools.scampConf()...)
	args = append(args, "-XML_NAME", xmlName, "-CHECKPLOT_DEV", "NULL")
	if req.Ahead != "" {
		args = append(args, "-AHEADER_GLOBAL", req.Ahead)
	}
	if req.Diagnostic {
		args = append(args,
			"-FULLOUTCAT_TYPE", "ASCII_HEAD",
			"-FULLOUTCAT_NAME", req.FullCatalog,
			"-SOLVE_ASTROM", "N",
			"-SOLVE_PHOTOM", "N",
		)
	}

	s.log.Debug("running global solver", "dir", req.Dir, "catalogs", len(names), "diagnostic", req.Diagnostic)
	if err := invoke(ctx, s.run, s.tools.Timeout, req.Dir, s.tools.Scamp, args...); err != nil {
		return Report{}, err
	}
	rep, err := ReadReport(report)
	if errors.Is(err, os.ErrNotExist) {
		return Report{}, &Error{Tool: filepath.Base(s.tools.Scamp), Err: fmt.Errorf("no report written: %w", err)}
	}
	return rep, err
}

// stage links every catalog into dir under its base name and returns the
// names in order.
func stage(dir string, catalogs []string) ([]string, error) {
	names := make([]string, 0, len(catalogs))
	for _, src := range catalogs {
		name := filepath.Base(src)
		dst := filepath.Join(dir, name)
		abs, err := filepath.Abs(src)
		if err != nil {
			return nil, err
		}
		if absDst, _ := filepath.Abs(dst); absDst == abs {
			names = append(names, name)
			continue
		}
		_ = os.Remove(dst)
		if err := os.Symlink(abs, dst); err != nil {
			if err := copyFile(abs, dst); err != nil {
				return nil, fmt.Errorf("stage %s: %w", src, err)
			}
		}
		names = append(names, name)
	}
	return names, nil
}

// linkSolvedHeads exposes each catalog's solved header as its per-catalog
// prior and returns the files created.
func linkSolvedHeads(dir string, names []string) ([]string, error) {
	var created []string
	for _, name := range names {
		head := HeadPath(dir, name)
		if _, err := os.Stat(head); err != nil {
			continue
		}
		ahead := strings.TrimSuffix(head, ".head") + ".ahead"
		_ = os.Remove(ahead)
		if err := copyFile(head, ahead); err != nil {
			return created, err
		}
		created = append(created, ahead)
	}
	return created, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
