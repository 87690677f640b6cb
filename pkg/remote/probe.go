package remote

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// HostFacts are the coarse system facts returned by Probe
type HostFacts struct {
	OS         string
	Hostname   string
	CPUCores   int
	MemoryMB   int64
	FreeDiskMB int64
	HasGPU     bool
}

const probeTimeout = 15 * time.Second

// Probe collects coarse system facts from the target. One uname call
// decides which OS-specific commands to use; the probe tolerates both
// Linux and macOS remotes.
func (p *Pool) Probe(ctx context.Context, target Target) (HostFacts, error) {
	uname, err := p.Exec(ctx, target, "uname -s", probeTimeout, nil)
	if err != nil {
		return HostFacts{}, err
	}
	facts := HostFacts{OS: strings.TrimSpace(uname.Stdout)}

	type probeCmd struct {
		command string
		apply   func(out string)
	}

	var cmds []probeCmd
	switch facts.OS {
	case "Darwin":
		cmds = []probeCmd{
			{"sysctl -n hw.ncpu", func(out string) { facts.CPUCores = atoi(out) }},
			{"sysctl -n hw.memsize", func(out string) { facts.MemoryMB = atoi64(out) / (1024 * 1024) }},
			{"df -Pk / | tail -1 | awk '{print $4}'", func(out string) { facts.FreeDiskMB = atoi64(out) / 1024 }},
			{"hostname", func(out string) { facts.Hostname = strings.TrimSpace(out) }},
			{"system_profiler SPDisplaysDataType -detailLevel mini 2>/dev/null | grep -c Chipset", func(out string) { facts.HasGPU = atoi(out) > 0 }},
		}
	default: // Linux and friends
		cmds = []probeCmd{
			{"nproc", func(out string) { facts.CPUCores = atoi(out) }},
			{"awk '/MemTotal/{print $2}' /proc/meminfo", func(out string) { facts.MemoryMB = atoi64(out) / 1024 }},
			{"df -Pk / | tail -1 | awk '{print $4}'", func(out string) { facts.FreeDiskMB = atoi64(out) / 1024 }},
			{"hostname", func(out string) { facts.Hostname = strings.TrimSpace(out) }},
			{"command -v nvidia-smi >/dev/null && echo 1 || echo 0", func(out string) { facts.HasGPU = atoi(out) > 0 }},
		}
	}

	for _, c := range cmds {
		res, err := p.Exec(ctx, target, c.command, probeTimeout, nil)
		if err != nil || res.ExitCode != 0 {
			continue // partial facts are acceptable
		}
		c.apply(res.Stdout)
	}
	return facts, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(strings.TrimSpace(s))
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	return n
}
