package dumbbell

// validate.go gathers helpers that check the experiment inputs and the
// output locations before any simulation state is built

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err.Error())
		}
	}
	if len(errMsg) == 0 {
		return nil
	}

	return errors.New(strings.Join(errMsg, ","))
}

// CheckDirectories probes the file system for the existence
// of every directory listed in the list of files.  Returns a boolean
// indicating whether all dirs are valid, and returns an aggregated error
// if any checks failed.
func CheckDirectories(dirs []string) (bool, error) {
	// make sure that every directory name included exists
	failures := []error{}

	// for every offered (non-empty) directory
	for _, dir := range dirs {
		if len(dir) == 0 {
			continue
		}

		// look for a extension, if any.   Having one means not a directory
		ext := filepath.Ext(dir)

		// ext being empty means this is a directory, otherwise a path
		if ext != "" {
			failures = append(failures, fmt.Errorf("%s not a directory", dir))

			continue
		}

		if _, err := os.Stat(dir); err != nil {
			failures = append(failures, err)
		}
	}
	err := ReportErrs(failures)
	if err != nil {
		return false, err
	}

	return true, nil
}

// CheckOutputFiles makes sure that every file named can be created in its directory,
// removing any previous version of the file so that appenders start from empty
func CheckOutputFiles(names []string) (bool, error) {
	failures := []error{}
	for _, filename := range names {
		if len(filename) == 0 {
			continue
		}
		dir := filepath.Dir(filename)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			failures = append(failures, fmt.Errorf("output directory %s missing for %s", dir, filename))

			continue
		}
		if err := os.Remove(filename); err != nil && !os.IsNotExist(err) {
			failures = append(failures, err)
		}
	}
	err := ReportErrs(failures)
	if err != nil {
		return false, err
	}
	return true, nil
}

// MakeOutputDirs creates root and each of the named subdirectories beneath it
func MakeOutputDirs(root string, subdirs []string) error {
	errs := []error{}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", root, err)
	}
	for _, sub := range subdirs {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			errs = append(errs, err)
		}
	}
	return ReportErrs(errs)
}
