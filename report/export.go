package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/bitrise-io/go-utils/v2/fileutil"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-steplib/steps-nrf91-hil-test/failure"
)

const (
	testInfoFileName    = "test-info.json"
	junitFileName       = "results.xml"
	reportFileName      = "hil_report.json"
	testResultDirEnvKey = "BITRISE_TEST_RESULT_DIR"
)

// attachmentTypes are the file types the test result viewer shows next to the test cases.
var attachmentTypes = []string{".jpg", ".jpeg", ".png", ".txt", ".log", ".mp4", ".webm", ".ogg"}

type testInfo struct {
	Name string `json:"test-name"`
}

// Exporter places a run's results into the test result directory of the CI build:
//
//	$BITRISE_TEST_RESULT_DIR
//	└── <run id>
//		├── results.xml
//		├── hil_report.json
//		├── rtt_debug.log
//		└── test-info.json
type Exporter struct {
	fileManager fileutil.FileManager
	logger      log.Logger
	resultDir   string
}

// NewExporter ...
func NewExporter(resultDir string, fileManager fileutil.FileManager, logger log.Logger) Exporter {
	return Exporter{
		fileManager: fileManager,
		logger:      logger,
		resultDir:   resultDir,
	}
}

// TestResultDirFromEnv returns the test result directory of the current build, if there is one.
func TestResultDirFromEnv(getenv func(string) string) string {
	return getenv(testResultDirEnvKey)
}

// Export writes the JUnit rendition and the JSON report of r, and copies the supported attachments.
// It returns the directory of the exported test run.
func (e Exporter) Export(r Report, testName string, attachments []string) (string, error) {
	if e.resultDir == "" {
		return "", fmt.Errorf("test result directory is not set")
	}

	dirName := r.RunID
	if dirName == "" {
		dirName = "nrf91-hil"
	}
	dir := filepath.Join(e.resultDir, dirName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", failure.Wrapf(failure.WriteError, err, "failed to create test result directory (%s)", dir)
	}

	junit, err := MarshalJUnit(r, testName)
	if err != nil {
		return "", failure.Wrap(failure.WriteError, err, "failed to render JUnit report")
	}
	if err := e.fileManager.WriteBytes(filepath.Join(dir, junitFileName), junit); err != nil {
		return "", failure.Wrap(failure.WriteError, err, "failed to write JUnit report")
	}

	if err := Write(r, filepath.Join(dir, reportFileName)); err != nil {
		return "", err
	}

	info, err := json.Marshal(testInfo{Name: testName})
	if err != nil {
		return "", failure.Wrap(failure.WriteError, err, "failed to encode test info")
	}
	if err := e.fileManager.WriteBytes(filepath.Join(dir, testInfoFileName), info); err != nil {
		return "", failure.Wrap(failure.WriteError, err, "failed to write test info")
	}

	for _, pth := range attachments {
		if !isSupportedAttachment(pth) {
			e.logger.Warnf("Attachment type is not supported, skipping: %s", pth)
			continue
		}
		if err := e.copyAttachment(pth, dir); err != nil {
			e.logger.Warnf("Failed to export attachment (%s): %s", pth, err)
		}
	}

	return dir, nil
}

func (e Exporter) copyAttachment(pth, dir string) error {
	source, err := e.fileManager.Open(pth)
	if err != nil {
		return err
	}
	defer func() {
		if err := source.Close(); err != nil {
			e.logger.Warnf("Failed to close file: %s", err)
		}
	}()

	data, err := io.ReadAll(source)
	if err != nil {
		return err
	}
	return e.fileManager.WriteBytes(filepath.Join(dir, filepath.Base(pth)), data)
}

func isSupportedAttachment(pth string) bool {
	return slices.Contains(attachmentTypes, strings.ToLower(filepath.Ext(pth)))
}
