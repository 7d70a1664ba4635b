package cluster

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
)

// Resources is what a worker advertises to the master.
type Resources struct {
	Cores    int
	MemoryGB int
	DiskGB   int
}

// DetectResources probes the host for advertised capacity, with
// conservative fallbacks where a probe fails.
func DetectResources() Resources {
	return Resources{
		Cores:    runtime.NumCPU(),
		MemoryGB: detectMemoryGB(),
		DiskGB:   detectDiskGB("/"),
	}
}

func detectMemoryGB() int {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 8
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
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
			break
		}
		gb := int(kb / (1024 * 1024))
		if gb < 1 {
			gb = 1
		}
		return gb
	}
	return 8
}

func detectDiskGB(path string) int {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 50
	}
	free := int(uint64(st.Bsize) * st.Bavail / (1024 * 1024 * 1024))
	if free < 10 {
		free = 10
	}
	return free
}
