package resources

import (
	"bufio"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
)

// SystemCollector probes the local machine: CPU core count from the runtime,
// RAM from /proc/meminfo, storage from a statfs on the data directory, and
// GPU presence from nvidia-smi.
type SystemCollector struct {
	// DataDir is the mount point probed for available storage. Defaults to
	// the working directory.
	DataDir string

	logger *logrus.Entry
}

// NewSystemCollector returns a SystemCollector probing dataDir.
func NewSystemCollector(dataDir string, logger *logrus.Entry) *SystemCollector {
	if dataDir == "" {
		dataDir = "."
	}
	return &SystemCollector{
		DataDir: dataDir,
		logger:  logger,
	}
}

// Collect implements the Collector interface. Probes that fail leave their
// field at zero rather than failing the whole snapshot; a node with an
// unreadable meminfo still heartbeats.
func (c *SystemCollector) Collect() (Snapshot, error) {
	snapshot := Snapshot{
		CPUCores: runtime.NumCPU(),
	}

	if ram, err := totalRAMMB(); err == nil {
		snapshot.RAMMB = ram
	} else if c.logger != nil {
		c.logger.WithError(err).Debug("Cannot read total RAM")
	}

	if storage, err := availableStorageGB(c.DataDir); err == nil {
		snapshot.StorageGB = storage
	} else if c.logger != nil {
		c.logger.WithError(err).Debug("Cannot stat storage")
	}

	if model, ok := detectGPU(); ok {
		snapshot.GPUPresent = true
		snapshot.GPUModel = model
	}

	return snapshot, nil
}

// totalRAMMB parses MemTotal from /proc/meminfo. The value is reported in kB.
func totalRAMMB() (int64, error) {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb / 1024, nil
	}

	return 0, scanner.Err()
}

// availableStorageGB returns the free space on the filesystem containing
// path.
func availableStorageGB(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * stat.Bsize / (1024 * 1024 * 1024), nil
}

// detectGPU shells out to nvidia-smi. Absence of the binary, or a non-zero
// exit, just means no GPU reward multiplier.
func detectGPU() (string, bool) {
	out, err := exec.Command("nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
	if err != nil {
		return "", false
	}

	model := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if model == "" {
		return "", false
	}

	return model, true
}
