package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
)

type packageInfo struct {
	ImportPath string
	Imports    []string
}

// rule forbids packages matching Package from importing anything under one
// of the Forbidden prefixes.
type rule struct {
	Package   string
	Forbidden []string
}

// The codec and the scene player stay transport-agnostic; only the ws
// handler and the client dial the network.
var rules = []rule{
	{
		Package: "mathstream/server/internal/net/proto",
		Forbidden: []string{
			"mathstream/server/internal/",
			"github.com/gorilla/",
			"net/http",
		},
	},
	{
		Package: "mathstream/server/internal/player",
		Forbidden: []string{
			"mathstream/server/internal/client",
			"mathstream/server/internal/net/ws",
			"mathstream/server/internal/app",
			"github.com/gorilla/",
		},
	},
	{
		Package: "mathstream/server/internal/client",
		Forbidden: []string{
			"mathstream/server/internal/app",
			"mathstream/server/internal/player",
		},
	},
}

func main() {
	cmd := exec.Command("go", "list", "-json", "./...")
	cmd.Env = os.Environ()
	output, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Stderr.Write(exitErr.Stderr)
		}
		fmt.Fprintf(os.Stderr, "depscheck: failed to list packages: %v\n", err)
		os.Exit(1)
	}

	violations, err := check(bytes.NewReader(output), rules)
	if err != nil {
		fmt.Fprintf(os.Stderr, "depscheck: %v\n", err)
		os.Exit(1)
	}
	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "depscheck: found forbidden imports:")
		for _, violation := range violations {
			fmt.Fprintf(os.Stderr, "  %s\n", violation)
		}
		os.Exit(1)
	}
}

// check decodes a stream of `go list -json` objects and returns every import
// that breaks a rule, sorted.
func check(r io.Reader, rules []rule) ([]string, error) {
	decoder := json.NewDecoder(r)
	var violations []string
	for {
		var pkg packageInfo
		if err := decoder.Decode(&pkg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode package info: %w", err)
		}
		for _, rule := range rules {
			if pkg.ImportPath != rule.Package && !strings.HasPrefix(pkg.ImportPath, rule.Package+"/") {
				continue
			}
			for _, imp := range pkg.Imports {
				for _, prefix := range rule.Forbidden {
					if imp == prefix || strings.HasPrefix(imp, prefix) {
						violations = append(violations, fmt.Sprintf("%s -> %s", pkg.ImportPath, imp))
						break
					}
				}
			}
		}
	}
	sort.Strings(violations)
	return violations, nil
}
