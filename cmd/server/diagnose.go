package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/shehryarbajwa/webchat-dispatcher/internal/browser"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/config"
	"github.com/shehryarbajwa/webchat-dispatcher/internal/storage"
)

type checkResult struct {
	Name   string
	OK     bool
	Detail string
}

func newDiagnoseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "diagnose",
		Short: "Check the environment the service needs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			results := diagnose(ctx, cfg)
			if failed := report(cmd.OutOrStdout(), results); failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func diagnose(ctx context.Context, cfg *config.Config) []checkResult {
	var out []checkResult

	switch cfg.BrowserMode {
	case config.ModeDocker:
		out = append(out, checkDocker(ctx))
	case config.ModeRemote:
		out = append(out, checkResult{Name: "browser", OK: true, Detail: "remote debugger at " + cfg.DebuggerURL})
	default:
		path, ok := browser.LookPath(cfg.ChromeBin)
		r := checkResult{Name: "chrome", OK: ok, Detail: path}
		if !ok {
			r.Detail = "no Chrome binary found; set CHROME_BIN"
		}
		out = append(out, r)
	}

	out = append(out, checkDatabase(ctx, cfg.DBPath), checkWritable("artifacts", cfg.ArtifactsDir))
	return out
}

func checkDocker(ctx context.Context) checkResult {
	cl, err := browser.NewContainerLauncher()
	if err != nil {
		return checkResult{Name: "docker", Detail: err.Error()}
	}
	defer cl.Close()
	if err := cl.Ping(ctx); err != nil {
		return checkResult{Name: "docker", Detail: err.Error()}
	}
	return checkResult{Name: "docker", OK: true, Detail: "daemon reachable"}
}

func checkDatabase(ctx context.Context, path string) checkResult {
	db, err := storage.Open(ctx, path)
	if err != nil {
		return checkResult{Name: "database", Detail: err.Error()}
	}
	db.Close()
	return checkResult{Name: "database", OK: true, Detail: path}
}

func checkWritable(name, dir string) checkResult {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return checkResult{Name: name, Detail: err.Error()}
	}
	probe := filepath.Join(dir, ".write-check")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return checkResult{Name: name, Detail: err.Error()}
	}
	_ = os.Remove(probe)
	return checkResult{Name: name, OK: true, Detail: dir}
}

func report(w io.Writer, results []checkResult) int {
	failed := 0
	for _, r := range results {
		mark := "ok"
		if !r.OK {
			mark = "FAIL"
			failed++
		}
		fmt.Fprintf(w, "%-10s %-4s %s\n", r.Name, mark, r.Detail)
	}
	return failed
}
