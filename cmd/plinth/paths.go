package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const envPlinthProgramsDir = "PLINTH_PROGRAMS_DIR"

// stdinIsTTY is a small seam for tests.
var stdinIsTTY = isTTY

func resolveRunProgramPath(programFlag string, programsPath string, stdin io.Reader, stderr io.Writer) (string, error) {
	programFlag = strings.TrimSpace(programFlag)
	if programFlag != "" {
		return filepath.Clean(programFlag), nil
	}

	programsDir := strings.TrimSpace(programsPath)
	if programsDir == "" {
		programsDir = strings.TrimSpace(os.Getenv(envPlinthProgramsDir))
	}
	if programsDir == "" {
		return "", fmt.Errorf("--program or --programs-path is required unless %s is set", envPlinthProgramsDir)
	}

	programs, err := discoverPLPPrograms(programsDir)
	if err != nil {
		return "", err
	}
	switch len(programs) {
	case 0:
		return "", fmt.Errorf("no .plp programs found in %s", programsDir)
	case 1:
		_, _ = fmt.Fprintf(stderr, "run: using program %s\n", programs[0])
		return programs[0], nil
	default:
		if !stdinIsTTY() {
			return "", fmt.Errorf(
				"multiple programs found in %s but stdin is not interactive; set --program",
				programsDir,
			)
		}
		return selectProgramInteractively(programsDir, programs, stdin, stderr)
	}
}

func discoverPLPPrograms(dir string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("programs directory is empty")
	}
	st, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("programs path is not a directory: %s", dir)
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	programs := make([]string, 0, len(ents))
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".plp") {
			continue
		}
		programs = append(programs, filepath.Join(dir, name))
	}
	sort.Strings(programs)
	return programs, nil
}

func selectProgramInteractively(programsDir string, programs []string, stdin io.Reader, stderr io.Writer) (string, error) {
	if len(programs) == 0 {
		return "", fmt.Errorf("no programs available in %s", programsDir)
	}

	_, _ = fmt.Fprintf(stderr, "run: select a program from %s\n", programsDir)
	for i, p := range programs {
		_, _ = fmt.Fprintf(stderr, "%d. %s\n", i+1, programDisplayName(programsDir, p))
	}

	reader := bufio.NewReader(stdin)
	for {
		_, _ = fmt.Fprintf(stderr, "run: enter selection [1-%d]: ", len(programs))
		line, err := reader.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if errors.Is(err, io.EOF) {
				return "", errors.New("no selection provided on stdin; set --program")
			}
			continue
		}

		idx, convErr := strconv.Atoi(line)
		if convErr != nil || idx < 1 || idx > len(programs) {
			_, _ = fmt.Fprintf(stderr, "run: invalid selection %q\n", line)
			if errors.Is(err, io.EOF) {
				return "", errors.New("invalid selection provided on stdin; set --program")
			}
			continue
		}
		return programs[idx-1], nil
	}
}

func programDisplayName(programsDir, programPath string) string {
	rel, err := filepath.Rel(programsDir, programPath)
	if err != nil || rel == "." {
		return filepath.Base(programPath)
	}
	return rel
}

// siblingDataFile returns the .pld file next to a program, or "" when none
// exists.
func siblingDataFile(programPath string) string {
	ext := filepath.Ext(programPath)
	candidate := strings.TrimSuffix(programPath, ext) + ".pld"
	if fileExists(candidate) {
		return candidate
	}
	return ""
}

// cacheDirOrDefault resolves the artifact cache directory: the --cache-dir
// flag when set, otherwise the user cache dir.
func cacheDirOrDefault() string {
	if dir := strings.TrimSpace(cacheDir); dir != "" {
		return dir
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "plinth")
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}

func isTTY() bool {
	st, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (st.Mode() & os.ModeCharDevice) != 0
}
