package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gan-shmuel/gan-shmuel/internal/containers"
)

// ContainerImporter loads tare files into the container registry.
type ContainerImporter interface {
	Import(ctx context.Context, r io.Reader, format containers.Format) (containers.ImportReport, error)
}

// ImportOptions configures ImportContainersCommand.
type ImportOptions struct {
	Paths      []string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// ImportContainersCommand imports each file in order and returns the process exit code:
// 0 on success, 1 on a usage or read error, 10 when ids were skipped as already registered.
func ImportContainersCommand(ctx context.Context, importer ContainerImporter, opts ImportOptions) int {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if len(opts.Paths) == 0 {
		_, _ = fmt.Fprintln(opts.Stderr, "import-containers: at least one .csv or .json file is required")
		return 1
	}
	total := containers.ImportReport{Skipped: []string{}}
	for _, path := range opts.Paths {
		report, err := importFile(ctx, importer, path)
		if err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "import-containers: %s: %v\n", path, err)
			return 1
		}
		total.Inserted += report.Inserted
		total.Skipped = append(total.Skipped, report.Skipped...)
	}
	if opts.JSONOutput {
		if err := json.NewEncoder(opts.Stdout).Encode(total); err != nil {
			_, _ = fmt.Fprintf(opts.Stderr, "import-containers: encode json: %v\n", err)
			return 1
		}
	} else {
		_, _ = fmt.Fprintf(opts.Stdout, "inserted %d containers\n", total.Inserted)
		if len(total.Skipped) > 0 {
			_, _ = fmt.Fprintf(opts.Stdout, "skipped %d already registered: %s\n", len(total.Skipped), strings.Join(total.Skipped, ", "))
		}
	}
	if len(total.Skipped) > 0 {
		return 10
	}
	return 0
}

func importFile(ctx context.Context, importer ContainerImporter, path string) (containers.ImportReport, error) {
	format, err := containers.FormatFromFilename(path)
	if err != nil {
		return containers.ImportReport{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return containers.ImportReport{}, err
	}
	defer f.Close()
	return importer.Import(ctx, f, format)
}
