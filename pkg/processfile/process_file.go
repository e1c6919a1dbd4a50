package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/core-tools/hsu-users/pkg/errors"
	"github.com/core-tools/hsu-users/pkg/logging"
	"github.com/core-tools/hsu-users/pkg/processstate"
)

const DefaultAppName = "hsu-users"

// ServiceContext selects the OS default directory for the pid file.
type ServiceContext string

const (
	SystemService  ServiceContext = "system"
	UserService    ServiceContext = "user"
	SessionService ServiceContext = "session"
)

// PIDFile guards a single running instance through a file holding its PID.
type PIDFile struct {
	path   string
	logger logging.Logger

	// running reports whether a pid is alive. Replaced in tests.
	running func(pid int) (bool, error)

	mutex   sync.Mutex
	written int
}

func NewPIDFile(path string, logger logging.Logger) *PIDFile {
	return &PIDFile{
		path:    path,
		logger:  logger,
		running: processstate.IsProcessRunning,
	}
}

func (f *PIDFile) Path() string {
	return f.path
}

// Acquire writes pid to the file. It fails with a conflict error when the
// file already names another live process. Stale files are overwritten.
func (f *PIDFile) Acquire(pid int) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	existing, err := ReadPIDFile(f.path)
	switch {
	case err == nil && existing != pid:
		alive, err := f.running(existing)
		if err != nil {
			f.logger.Warnf("Failed to probe PID from file, path: %s, pid: %d, error: %v", f.path, existing, err)
		}
		if alive {
			return errors.NewConflictError("another instance is running", nil).
				WithContext("pid_file", f.path).
				WithContext("pid", existing)
		}
		f.logger.Infof("Replacing stale PID file, path: %s, stale_pid: %d", f.path, existing)
	case err != nil && !errors.IsNotFoundError(err):
		f.logger.Warnf("Ignoring unreadable PID file, path: %s, error: %v", f.path, err)
	}

	if err := ValidatePIDFileDirectory(f.path); err != nil {
		return err
	}

	if err := os.WriteFile(f.path, []byte(fmt.Sprintf("%d\n", pid)), 0644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", f.path).WithContext("pid", pid)
	}
	f.written = pid

	f.logger.Infof("PID file written, path: %s, pid: %d", f.path, pid)
	return nil
}

// Release removes the file if it still holds the PID written by Acquire.
// Calling it again, or without Acquire, does nothing.
func (f *PIDFile) Release() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.written == 0 {
		return nil
	}
	pid := f.written
	f.written = 0

	existing, err := ReadPIDFile(f.path)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil
		}
		return err
	}
	if existing != pid {
		f.logger.Warnf("PID file taken over, leaving it in place, path: %s, pid: %d, ours: %d", f.path, existing, pid)
		return nil
	}

	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", f.path)
	}
	f.logger.Infof("PID file removed, path: %s", f.path)
	return nil
}

// ReadPIDFile parses the PID stored at path. A missing file is a not found
// error.
func ReadPIDFile(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("PID file not found", err).WithContext("pid_file", path)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", path)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID file content", err).WithContext("pid_file", path)
	}
	return pid, nil
}

// DefaultPIDFilePath returns the OS default location of appName's pid file.
func DefaultPIDFilePath(serviceContext ServiceContext, appName string) string {
	if appName == "" {
		appName = DefaultAppName
	}

	var baseDir string
	switch serviceContext {
	case UserService:
		baseDir = userServiceDirectory()
	case SessionService:
		baseDir = sessionServiceDirectory()
	default:
		baseDir = systemServiceDirectory()
	}
	return filepath.Join(baseDir, appName, appName+".pid")
}

func systemServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if programData := os.Getenv("PROGRAMDATA"); programData != "" {
			return programData
		}
		return "C:\\ProgramData"
	case "darwin":
		return "/var/run"
	default:
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

func userServiceDirectory() string {
	switch runtime.GOOS {
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return localAppData
		}
		return os.TempDir()
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return os.TempDir()
		}
		return filepath.Join(homeDir, "Library", "Application Support")
	default:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	}
}

func sessionServiceDirectory() string {
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		return os.TempDir()
	}
	sessionDir := fmt.Sprintf("/run/user/%d", os.Getuid())
	if _, err := os.Stat(sessionDir); err == nil {
		return sessionDir
	}
	return os.TempDir()
}

// ValidatePIDFileDirectory creates the parent directory of pidFilePath if
// needed and checks that it is writable.
func ValidatePIDFileDirectory(pidFilePath string) error {
	dir := filepath.Dir(pidFilePath)

	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return errors.NewIOError("failed to access PID file directory", err).WithContext("directory", dir)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("PID file parent is not a directory", nil).WithContext("path", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return errors.NewIOError("PID file directory is not writable", err).WithContext("directory", dir)
	}
	file.Close()
	os.Remove(testFile)

	return nil
}
