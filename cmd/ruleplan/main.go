package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aiseeq/ruleplan/pkg/compiler"
	"github.com/aiseeq/ruleplan/pkg/compiler/ruletree"
)

var version = "dev"

var (
	flagOutput  string
	flagNoColor bool
	flagVerbose bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "ruleplan <input.yaml>",
	Short:   "Compile a YAML security-rules DSL document into realtime-database rules JSON",
	Version: version,
	Args:    cobra.ExactArgs(1),
	RunE:    runCompile,
}

func init() {
	rootCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output path stem (default: input path with .yaml/.yml replaced by .json)")
	rootCmd.Flags().BoolVar(&flagNoColor, "no-color", false, "disable colored diagnostics")
	rootCmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "print resolved output paths and counts before writing")
}

func printError(err error) {
	msg := err.Error()
	if flagNoColor {
		fmt.Fprintln(os.Stderr, msg)
		return
	}
	fmt.Fprintln(os.Stderr, color.RedString(msg))
}

func runCompile(cmd *cobra.Command, args []string) error {
	if flagNoColor {
		color.NoColor = true
	}

	inputPath := args[0]
	stem := flagOutput
	if stem == "" {
		stem = defaultStem(inputPath)
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", inputPath, err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("decoding %s: %w", inputPath, err)
	}

	result, err := compiler.Compile(&root)
	if err != nil {
		return err
	}

	rulesPath := stem + ".json"
	if flagVerbose {
		fmt.Printf("writing rules to %s (%d top-level keys)\n", rulesPath, result.Rules.Len())
	}
	if err := writeJSON(rulesPath, result.Rules); err != nil {
		return err
	}

	if result.Firecrypt != nil {
		firecryptPath := stem + "_firecrypt.json"
		if flagVerbose {
			fmt.Printf("writing firecrypt annotations to %s\n", firecryptPath)
		}
		if err := writeJSON(firecryptPath, result.Firecrypt); err != nil {
			return err
		}
	} else if flagVerbose {
		fmt.Println("no encryption annotations found, skipping firecrypt output")
	}

	return nil
}

func writeJSON(path string, rules *ruletree.Node) error {
	payload := map[string]any{"rules": rules}
	out, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	if err := os.WriteFile(path, append(out, '\n'), 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func defaultStem(inputPath string) string {
	switch {
	case strings.HasSuffix(inputPath, ".yaml"):
		return strings.TrimSuffix(inputPath, ".yaml")
	case strings.HasSuffix(inputPath, ".yml"):
		return strings.TrimSuffix(inputPath, ".yml")
	default:
		return inputPath
	}
}
