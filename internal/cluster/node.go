package cluster

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// NewNodeID builds a cluster-unique node identifier of the form
// host-pid-unixms-rand. The random suffix covers hosts whose clock
// jumps backwards across restarts.
func NewNodeID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	// Hostnames may contain dots (FQDNs); keep the id a single token.
	host = strings.ReplaceAll(host, ".", "_")

	suffix := make([]byte, 2)
	_, _ = rand.Read(suffix)

	return fmt.Sprintf("%s-%d-%d-%s", host, os.Getpid(), time.Now().UnixMilli(), hex.EncodeToString(suffix))
}

// NewClientID builds a cluster-unique client identifier. Uniqueness
// holds for the lifetime of the cluster: 8 random bytes on top of a
// millisecond timestamp make collisions negligible.
func NewClientID() string {
	suffix := make([]byte, 8)
	_, _ = rand.Read(suffix)
	return fmt.Sprintf("c-%d-%s", time.Now().UnixMilli(), hex.EncodeToString(suffix))
}

// localInterfaces returns the non-loopback unicast addresses of this
// host, comma-joined for the node info hash.
func localInterfaces() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	ips := []string{}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		ips = append(ips, ipNet.IP.String())
	}
	return strings.Join(ips, ",")
}

// ProcessMemoryBytes returns this process's resident set size, or 0 when
// the platform does not expose it.
func ProcessMemoryBytes() uint64 {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil || mem == nil {
		return 0
	}
	return mem.RSS
}
