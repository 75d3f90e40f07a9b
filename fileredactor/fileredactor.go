// Package fileredactor removes device identifiers from the files a run leaves behind.
package fileredactor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/redactwriter"
)

// FileRedactor is an interface for a structure which, given a slice of file paths and another slice of secrets can
// process the specified files to redact secrets from them.
type FileRedactor interface {
	RedactFiles([]string, []string) error
}

type fileRedactor struct {
	fileManager fileutil.FileManager
	logger      log.Logger
}

// NewFileRedactor returns a structure that implements the FileRedactor interface
func NewFileRedactor(manager fileutil.FileManager, logger log.Logger) FileRedactor {
	return fileRedactor{
		fileManager: manager,
		logger:      logger,
	}
}

func (f fileRedactor) RedactFiles(filePaths []string, secrets []string) error {
	var nonEmpty []string
	for _, secret := range secrets {
		if secret != "" {
			nonEmpty = append(nonEmpty, secret)
		}
	}
	if len(nonEmpty) == 0 {
		return nil
	}

	for _, path := range filePaths {
		if err := f.redactFile(path, nonEmpty); err != nil {
			return fmt.Errorf("failed to redact file (%s): %w", path, err)
		}
	}

	return nil
}

func (f fileRedactor) redactFile(path string, secrets []string) error {
	source, err := f.fileManager.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file for redaction (%s): %w", path, err)
	}
	defer func() {
		if err := source.Close(); err != nil {
			f.logger.Warnf("Failed to close file: %s", err)
		}
	}()

	destination, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.redacted")
	if err != nil {
		return fmt.Errorf("failed to create temporary file for redaction: %w", err)
	}
	newPath := destination.Name()
	defer func() {
		if err := destination.Close(); err != nil && !os.IsNotExist(err) {
			f.logger.Debugf("Failed to close file: %s", err)
		}
		_ = os.Remove(newPath)
	}()

	redactWriter := redactwriter.New(secrets, destination, f.logger)
	if _, err := io.Copy(redactWriter, source); err != nil {
		return fmt.Errorf("failed to redact secrets: %w", err)
	}

	if err := redactWriter.Close(); err != nil {
		return fmt.Errorf("failed to close redact writer: %w", err)
	}

	//rename new file to old file name
	err = os.Rename(newPath, path)
	if err != nil {
		return fmt.Errorf("failed to overwrite old file (%s) with redacted file: %w", path, err)
	}

	return nil
}
