package domain

import (
	"fmt"
	"strconv"
	"strings"
)

const virtualSep = "#"

// VirtualDatastreamID derives the remote id of one MultiDatastream dimension.
// The mapping is pure, so every run produces the same id for the same
// (parent, index) pair.
func VirtualDatastreamID(parent RemoteID, index int) RemoteID {
	return RemoteID(fmt.Sprintf("%s%s%d", parent, virtualSep, index))
}

// ParseVirtualDatastreamID reverses VirtualDatastreamID.
func ParseVirtualDatastreamID(id RemoteID) (parent RemoteID, index int, ok bool) {
	s := string(id)
	i := strings.LastIndex(s, virtualSep)
	if i <= 0 {
		return "", 0, false
	}
	n, err := strconv.Atoi(s[i+len(virtualSep):])
	if err != nil || n < 0 {
		return "", 0, false
	}
	return RemoteID(s[:i]), n, true
}
