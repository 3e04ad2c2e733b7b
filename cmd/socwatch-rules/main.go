// Package main provides a CLI tool for validating socwatch correlation rules.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"socwatch/internal/correlation"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidateCmd(os.Args[2:])
	case "list":
		runListCmd(os.Args[2:])
	case "builtin":
		os.Exit(runBuiltin(os.Stdout))
	case "-version", "--version", "-v":
		fmt.Printf("socwatch-rules %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage(os.Stderr)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "Usage: socwatch-rules <command> [flags] [args]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	fmt.Fprintf(w, "  validate  Validate YAML rule files or directories\n")
	fmt.Fprintf(w, "  list      List rules found in files or directories\n")
	fmt.Fprintf(w, "  builtin   Print the built-in rule set as YAML\n\n")
	fmt.Fprintf(w, "Flags:\n")
	fmt.Fprintf(w, "  -version  Show version and exit\n")
}

func runValidateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Show detailed rule information")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one path is required\n")
		fmt.Fprintf(os.Stderr, "Usage: socwatch-rules validate [--verbose] <path> [<path>...]\n")
		os.Exit(1)
	}

	os.Exit(runValidate(os.Stdout, os.Stderr, paths, *verbose))
}

func runListCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		paths = []string{"rules"}
	}

	os.Exit(runList(os.Stdout, os.Stderr, paths))
}

func runValidate(out, errOut io.Writer, paths []string, verbose bool) int {
	var totalFiles, validFiles, invalidFiles int

	check := func(f string) {
		totalFiles++
		if validateFile(out, f, verbose) {
			validFiles++
		} else {
			invalidFiles++
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			fmt.Fprintf(errOut, "Error: %s: %v\n", path, err)
			invalidFiles++
			continue
		}

		if !info.IsDir() {
			check(path)
			continue
		}

		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(errOut, "Error reading directory %s: %v\n", path, err)
			invalidFiles++
			continue
		}
		for _, f := range files {
			check(f)
		}
	}

	fmt.Fprintf(out, "\nResults: %d files checked, %d valid, %d invalid\n", totalFiles, validFiles, invalidFiles)

	if invalidFiles > 0 {
		return 1
	}
	return 0
}

func validateFile(out io.Writer, path string, verbose bool) bool {
	rules, err := correlation.LoadRulesFile(path)
	if err != nil {
		fmt.Fprintf(out, "  FAIL  %s: %v\n", path, err)
		return false
	}

	fmt.Fprintf(out, "  OK    %s (%d rule(s))\n", path, len(rules))

	if verbose {
		for _, rule := range rules {
			fmt.Fprintf(out, "        - [%s] %s (type=%s, severity=%s, window=%s, threshold=%d)\n",
				rule.ID, rule.Name, rule.Type, rule.Severity, rule.Window, rule.Threshold)
			if len(rule.Keywords) > 0 {
				fmt.Fprintf(out, "          keywords: %s\n", strings.Join(rule.Keywords, ", "))
			}
			if len(rule.Tags) > 0 {
				fmt.Fprintf(out, "          tags: %s\n", strings.Join(rule.Tags, ", "))
			}
		}
	}

	return true
}

func runList(out, errOut io.Writer, paths []string) int {
	for _, path := range paths {
		files, err := collectYAMLFiles(path)
		if err != nil {
			fmt.Fprintf(errOut, "Error reading %s: %v\n", path, err)
			continue
		}

		for _, f := range files {
			rules, err := correlation.LoadRulesFile(f)
			if err != nil {
				continue
			}
			for _, rule := range rules {
				printRule(out, rule)
			}
		}
	}
	return 0
}

func printRule(out io.Writer, rule *correlation.Rule) {
	state := "on"
	if !rule.Enabled {
		state = "off"
	}
	fmt.Fprintf(out, "%-32s  %-20s  %-8s  %-6s  %-3s  %s\n",
		rule.ID, rule.Type, rule.Severity, rule.Window, state, rule.Name)
}

// runBuiltin prints the declarative built-in rules in the file format
// accepted by the service. Custom rules are listed as comments.
func runBuiltin(out io.Writer) int {
	var exportable []*correlation.Rule
	for _, rule := range correlation.BuiltinRules() {
		if rule.Type == correlation.RuleTypeCustom {
			fmt.Fprintf(out, "# %s (%s) is built in and cannot be expressed in YAML\n", rule.ID, rule.Name)
			continue
		}
		exportable = append(exportable, rule)
	}

	data, err := yaml.Marshal(map[string][]*correlation.Rule{"rules": exportable})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	out.Write(data)
	return 0
}

func collectYAMLFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
