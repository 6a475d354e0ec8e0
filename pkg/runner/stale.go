// Copyright 2023 pingu project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package runner

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// FindProcesses returns pids whose command line contains the marker.
// The calling process is never included.
func FindProcesses(marker string) []int {
	var pids []int
	self := os.Getpid()
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		cmdline, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "cmdline"))
		if err != nil {
			continue
		}
		cmdline = bytes.ReplaceAll(cmdline, []byte{0}, []byte{' '})
		if strings.Contains(string(cmdline), marker) {
			pids = append(pids, pid)
		}
	}
	return pids
}

// KillProcessTree kills the process and all of its descendants.
// Descendants are collected before the first kill so that reparenting
// does not hide them.
func KillProcessTree(pid int) {
	victims := append(descendants(pid), pid)
	for _, victim := range victims {
		unix.Kill(victim, unix.SIGKILL)
	}
	unix.Kill(-pid, unix.SIGKILL)
}

func descendants(root int) []int {
	children := map[int][]int{}
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		stat, err := os.ReadFile(filepath.Join("/proc", entry.Name(), "stat"))
		if err != nil {
			continue
		}
		// Field 4 of /proc/pid/stat is the ppid. The comm field may
		// contain spaces, so skip past the closing paren first.
		rest := stat[bytes.LastIndexByte(stat, ')')+1:]
		fields := strings.Fields(string(rest))
		if len(fields) < 2 {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		children[ppid] = append(children[ppid], pid)
	}
	var all []int
	queue := []int{root}
	for len(queue) > 0 {
		pid := queue[0]
		queue = queue[1:]
		for _, child := range children[pid] {
			all = append(all, child)
			queue = append(queue, child)
		}
	}
	return all
}

// TerminateStale kills process trees whose command line contains the
// marker. Returns the number of trees killed.
func TerminateStale(marker string) int {
	pids := FindProcesses(marker)
	for _, pid := range pids {
		KillProcessTree(pid)
	}
	return len(pids)
}

// CleanStale removes entries under dir that were not modified for the
// given age. Used between testcase batches to drop leftovers of hung runs.
func CleanStale(dir string, age time.Duration) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	removed := 0
	cutoff := time.Now().Add(-age)
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if os.RemoveAll(filepath.Join(dir, entry.Name())) == nil {
			removed++
		}
	}
	return removed
}
