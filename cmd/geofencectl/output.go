package main

import (
	"encoding/json"
	"fmt"
	"os"
)

// Terminal colors, cleared when NO_COLOR is set or stdout is not a terminal.
var (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorRed    = "\033[31m"
)

func init() {
	if os.Getenv("NO_COLOR") != "" || !isTerminal(os.Stdout) {
		colorReset, colorBold, colorDim = "", "", ""
		colorGreen, colorYellow, colorCyan, colorRed = "", "", "", ""
	}
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

func printSection(title string) {
	fmt.Printf("\n%s%s%s\n", colorBold, title, colorReset)
}

func printSuccess(msg string) {
	fmt.Printf("%s✓%s %s\n", colorGreen, colorReset, msg)
}

func printWarning(msg string) {
	fmt.Printf("%s!%s %s\n", colorYellow, colorReset, msg)
}

func printError(err error) {
	fmt.Fprintf(os.Stderr, "%sError%s: %v\n", colorRed, colorReset, err)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
