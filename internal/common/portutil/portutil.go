// Package portutil allocates TCP ports for preview servers.
package portutil

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrNoFreePort is returned when every port of the range is busy or reserved.
var ErrNoFreePort = errors.New("no free port in range")

// Regex matches $PORT, ${PORT}, $API_PORT, ${API_PORT}, etc.
var placeholderRegex = regexp.MustCompile(`\$\{?([A-Z_]*PORT[A-Z0-9_]*)\}?`)

// AllocatePort allocates an available port using OS assignment.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// IsFree reports whether nothing is listening on the loopback port.
func IsFree(port int) bool {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = listener.Close()
	return true
}

// RangeAllocator hands out ports from [Min, Max]. A returned port stays
// reserved for the reservation window so rapid sequential requests do not
// receive the same port before the first server has bound it.
type RangeAllocator struct {
	min, max    int
	reservation time.Duration

	mu       sync.Mutex
	reserved map[int]time.Time // port -> expiry
	next     int

	now    func() time.Time
	isFree func(port int) bool
}

// NewRangeAllocator creates an allocator over the inclusive range.
func NewRangeAllocator(min, max int, reservation time.Duration) (*RangeAllocator, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	return &RangeAllocator{
		min:         min,
		max:         max,
		reservation: reservation,
		reserved:    make(map[int]time.Time),
		next:        min,
		now:         time.Now,
		isFree:      IsFree,
	}, nil
}

// Allocate reserves and returns the next free port, scanning round-robin.
func (a *RangeAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for port, expiry := range a.reserved {
		if !now.Before(expiry) {
			delete(a.reserved, port)
		}
	}

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		port := a.min + (a.next-a.min+i)%size
		if _, held := a.reserved[port]; held {
			continue
		}
		if !a.isFree(port) {
			continue
		}
		a.reserved[port] = now.Add(a.reservation)
		a.next = port + 1
		if a.next > a.max {
			a.next = a.min
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w %d-%d", ErrNoFreePort, a.min, a.max)
}

// Release drops the reservation of port.
func (a *RangeAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// Reserved lists currently reserved ports, sorted.
func (a *RangeAllocator) Reserved() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	out := make([]int, 0, len(a.reserved))
	for port, expiry := range a.reserved {
		if now.Before(expiry) {
			out = append(out, port)
		}
	}
	sort.Ints(out)
	return out
}

// SubstitutePort replaces every port placeholder of command ($PORT, ${PORT},
// $API_PORT, ...) with port and returns the environment entries to export
// alongside. PORT is always present in the returned map.
//
// Examples:
//
//	Input:  "npm run dev -- --port $PORT", 4100
//	Output: "npm run dev -- --port 4100", {"PORT": "4100"}
//
//	Input:  "python3 -m http.server" (no placeholder)
//	Output: "python3 -m http.server", {"PORT": "4100"}
func SubstitutePort(command string, port int) (string, map[string]string) {
	portStr := strconv.Itoa(port)
	env := map[string]string{"PORT": portStr}

	placeholders := findUniquePlaceholders(command)
	// longest first so $API_PORT is not clobbered by $PORT-like prefixes
	sort.Slice(placeholders, func(i, j int) bool { return len(placeholders[i]) > len(placeholders[j]) })

	out := command
	for _, placeholder := range placeholders {
		env[placeholder] = portStr
		out = strings.ReplaceAll(out, "${"+placeholder+"}", portStr)
		out = strings.ReplaceAll(out, "$"+placeholder, portStr)
	}
	return out, env
}

// findUniquePlaceholders extracts unique placeholder names from a command string.
// Returns placeholder names without the $ or ${} prefix/suffix.
func findUniquePlaceholders(command string) []string {
	matches := placeholderRegex.FindAllStringSubmatch(command, -1)
	if len(matches) == 0 {
		return []string{}
	}

	uniqueMap := make(map[string]bool)
	for _, match := range matches {
		if len(match) > 1 {
			uniqueMap[match[1]] = true
		}
	}

	result := make([]string, 0, len(uniqueMap))
	for placeholder := range uniqueMap {
		result = append(result, placeholder)
	}
	return result
}
