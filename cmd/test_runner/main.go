package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

var (
	verbose     = flag.Bool("v", false, "verbose output")
	integration = flag.Bool("integration", false, "include container-backed postgres tests (needs docker)")
	race        = flag.Bool("race", true, "enable the race detector")
	cover       = flag.String("cover", "", "write a coverage profile to this file")
	timeout     = flag.Duration("timeout", 5*time.Minute, "test timeout")
	testRegexp  = flag.String("run", "", "run only tests matching the regular expression")
)

func main() {
	flag.Parse()

	args := []string{"test"}
	if *verbose {
		args = append(args, "-v")
	}
	// Postgres tests skip themselves under -short
	if !*integration {
		args = append(args, "-short")
	}
	if *race {
		args = append(args, "-race")
	}
	if *cover != "" {
		args = append(args, "-coverprofile="+*cover)
	}
	args = append(args, fmt.Sprintf("-timeout=%s", timeout.String()))
	if *testRegexp != "" {
		args = append(args, fmt.Sprintf("-run=%s", *testRegexp))
	}

	// Packages default to the whole module
	pkgs := flag.Args()
	if len(pkgs) == 0 {
		pkgs = []string{"./..."}
	}
	args = append(args, pkgs...)

	cmd := exec.Command("go", args...)
	cmd.Env = append(os.Environ(), "TEST_ENV=true")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	fmt.Printf("Running tests with args: %s\n", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Printf("Error running tests: %v\n", err)
		os.Exit(1)
	}
}
