package protocol

import (
	"errors"
	"strconv"
	"strings"
)

// SupportedVersions lists the protocol versions this relay speaks, newest
// first. A version's major number (the integer before the first dot) decides
// compatibility.
var SupportedVersions = []string{"1.0"}

var ErrNoCompatibleVersion = errors.New("no compatible protocol version")

// Negotiate returns the highest remote version whose major version is also
// supported locally.
func Negotiate(remote []string) (string, error) {
	local := make(map[int]struct{}, len(SupportedVersions))
	for _, v := range SupportedVersions {
		if m, ok := major(v); ok {
			local[m] = struct{}{}
		}
	}

	best := ""
	bestMajor, bestMinor := -1, -1
	for _, v := range remote {
		m, ok := major(v)
		if !ok {
			continue
		}
		if _, ok := local[m]; !ok {
			continue
		}
		minor := minorOf(v)
		if m > bestMajor || (m == bestMajor && minor > bestMinor) {
			best, bestMajor, bestMinor = v, m, minor
		}
	}
	if best == "" {
		return "", ErrNoCompatibleVersion
	}
	return best, nil
}

func major(v string) (int, bool) {
	head, _, _ := strings.Cut(v, ".")
	n, err := strconv.Atoi(head)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func minorOf(v string) int {
	_, tail, ok := strings.Cut(v, ".")
	if !ok {
		return 0
	}
	head, _, _ := strings.Cut(tail, ".")
	n, err := strconv.Atoi(head)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
