package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/HakAl/llmtap/internal/config"
)

// ActionableError is a failure plus the steps that usually resolve it.
type ActionableError struct {
	What  string
	Cause error
	Fix   string
}

func (e *ActionableError) Error() string {
	return fmt.Sprintf("%s: %v", e.What, e.Cause)
}

func (e *ActionableError) Unwrap() error { return e.Cause }

// Format renders the error for a terminal. Continuation lines of Fix are
// indented under its first line.
func (e *ActionableError) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Error: %s\n", e.What)
	if e.Cause != nil {
		fmt.Fprintf(&sb, "Cause: %v\n", e.Cause)
	}
	for i, line := range strings.Split(e.Fix, "\n") {
		switch {
		case i == 0:
			sb.WriteString("Fix:   ")
		case line != "":
			sb.WriteString("       ")
		}
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

// fail writes err to w and returns the process exit code for it.
func fail(w io.Writer, err *ActionableError) int {
	fmt.Fprintf(w, "\n%s\n\n", err.Format())
	return 1
}

// storeError explains a database that could not be opened.
func storeError(path string, err error) *ActionableError {
	e := &ActionableError{What: "Failed to open database", Cause: err}
	switch {
	case isDBLocked(err):
		e.Fix = fmt.Sprintf("Another process holds a write lock. Find it with:\n  lsof %q\n\nDatabase: %s", path, path)
	case errors.Is(err, fs.ErrPermission):
		e.Fix = fmt.Sprintf("The database or its directory is not writable by this user:\n  ls -l %q", path)
	default:
		e.Fix = fmt.Sprintf("Check that the directory exists and is writable:\n  mkdir -p \"$(dirname %q)\"\n\nOr record somewhere else:\n  export %sSTORE__DB_PATH=~/llmtap.db", path, config.EnvPrefix)
	}
	return e
}

// listenError explains a failed bind of the live feed server.
func listenError(addr string, attempts int, err error) *ActionableError {
	if !isAddrInUse(err) {
		return &ActionableError{
			What:  "Failed to listen",
			Cause: err,
			Fix:   "Check server.listen in your config, or pass -listen host:port.",
		}
	}

	_, port, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		port = addr
	}
	first, _ := strconv.Atoi(port)
	last := first + attempts - 1

	find := fmt.Sprintf("lsof -i :%s\n  kill <pid>", port)
	if runtime.GOOS == "windows" {
		find = fmt.Sprintf("netstat -ano | findstr :%s\n  taskkill /PID <pid> /F", port)
	}
	return &ActionableError{
		What:  "Port binding failed",
		Cause: err,
		Fix: fmt.Sprintf("Ports %d-%d are all in use. Stop the process holding them:\n  %s\n\nOr pick another port:\n  llmtap serve -listen localhost:%d",
			first, last, find, last+1),
	}
}

// configError explains a config file that could not be loaded.
func configError(path string, err error) *ActionableError {
	e := &ActionableError{What: "Failed to load config", Cause: err}
	if path == "" {
		path = "~/.config/llmtap/config.yaml"
	}
	if strings.Contains(err.Error(), "yaml") {
		e.Fix = fmt.Sprintf("%s is not valid YAML. Fix it, or move it aside to regenerate defaults.", path)
		return e
	}
	e.Fix = fmt.Sprintf("Check that %s is readable, or pass another file:\n  llmtap -config ./llmtap.yaml <command>", path)
	return e
}

// missingKeyError explains an unset provider credential.
func missingKeyError(envVar string) *ActionableError {
	return &ActionableError{
		What:  envVar + " is not set",
		Cause: errors.New("missing API key"),
		Fix:   fmt.Sprintf("Export %s, or put it in a .env file in the current directory.", envVar),
	}
}

func isDBLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "Only one usage of each socket address")
}
