package main

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"udpftp/client/config"
)

// runBatch downloads every name in the file list in order. A failed file
// never stops the run; the exit code is 1 when any file failed.
func (a *app) runBatch(ctx context.Context) int {
	names, err := config.ReadFileListFile(a.cfg.FileList)
	if err != nil {
		a.theme.GetErrorColor().Println(err)
		return 1
	}
	if len(names) == 0 {
		a.theme.GetInfoColor().Printf("%s names no files\n", a.cfg.FileList)
		return 0
	}

	var failures *multierror.Error
	for _, name := range names {
		if ctx.Err() != nil {
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", name, ctx.Err()))
			continue
		}
		if _, err := a.fetch(ctx, name); err != nil {
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", name, err))
		}
	}

	fmt.Println()
	a.printSummary()

	if err := failures.ErrorOrNil(); err != nil {
		a.log.Debug("batch finished with failures", "err", err)
		a.theme.GetErrorColor().Printf("%d of %d downloads failed\n", len(failures.Errors), len(names))
		return 1
	}
	a.theme.GetSuccessColor().Printf("All %d downloads completed\n", len(names))
	return 0
}
