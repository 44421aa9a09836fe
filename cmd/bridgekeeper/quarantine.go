package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nugget/bridgekeeper/internal/config"
)

// runQuarantine implements the "bridgekeeper quarantine list|show <name>"
// subcommand: a thin inspection wrapper over intake's quarantine
// directory. spec.md names quarantine/ as persisted state but never
// gives it an inspection surface; this closes that gap.
func runQuarantine(logger *slog.Logger, configPath string, args []string) {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: bridgekeeper quarantine list|show <name>")
		os.Exit(1)
	}

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	switch args[0] {
	case "list":
		err = quarantineList(os.Stdout, cfg.Paths.QuarantineDir)
	case "show":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: bridgekeeper quarantine show <name>")
			os.Exit(1)
		}
		err = quarantineShow(os.Stdout, cfg.Paths.QuarantineDir, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown quarantine subcommand: %s\n", args[0])
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// quarantineList writes one line per quarantined artifact to w, each
// followed by its rejection reason, sorted by name.
func quarantineList(w io.Writer, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading quarantine dir: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasSuffix(entry.Name(), ".error") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	if len(names) == 0 {
		fmt.Fprintln(w, "quarantine is empty")
		return nil
	}
	for _, name := range names {
		reason := quarantineReason(dir, name)
		fmt.Fprintf(w, "%-40s %s\n", name, reason)
	}
	return nil
}

// quarantineShow writes name's rejection reason and raw artifact body to w.
func quarantineShow(w io.Writer, dir, name string) error {
	artifact, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("reading %s: %w", name, err)
	}
	errBody, err := os.ReadFile(filepath.Join(dir, name+".error"))
	if err != nil {
		return fmt.Errorf("reading %s.error: %w", name, err)
	}

	fmt.Fprintln(w, "--- reason ---")
	fmt.Fprint(w, string(errBody))
	fmt.Fprintln(w, "--- artifact ---")
	fmt.Fprintln(w, string(artifact))
	return nil
}

// quarantineReason extracts the first "reason: ..." line from name's
// sibling .error file, falling back to "unknown" when it can't be read.
func quarantineReason(dir, name string) string {
	raw, err := os.ReadFile(filepath.Join(dir, name+".error"))
	if err != nil {
		return "unknown"
	}
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(line, "reason: ") {
			return strings.TrimPrefix(line, "reason: ")
		}
	}
	return "unknown"
}
