package manager

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/guileen/litepool/engine"
)

// TargetKind identifies where a Manager opens its connections.
type TargetKind int

const (
	TargetMemory TargetKind = iota
	TargetFile
	TargetRemote
)

func (k TargetKind) String() string {
	switch k {
	case TargetMemory:
		return "memory"
	case TargetFile:
		return "file"
	case TargetRemote:
		return "remote"
	default:
		return fmt.Sprintf("TargetKind(%d)", int(k))
	}
}

// Target describes the datastore a Manager connects to. It is immutable and
// can only be built by the ForMemory, ForFile and ForRemote factories.
type Target struct {
	kind     TargetKind
	location string
}

func memoryTarget() Target {
	return Target{kind: TargetMemory}
}

// fileTarget cleans path; an empty path stays empty so opening it fails.
func fileTarget(path string) Target {
	if path == "" {
		return Target{kind: TargetFile}
	}
	return Target{kind: TargetFile, location: filepath.Clean(path)}
}

func remoteTarget(endpoint string) Target {
	return Target{kind: TargetRemote, location: normalizeEndpoint(endpoint)}
}

// normalizeEndpoint strips surrounding space, a postgres scheme and a
// trailing slash so the scheme is applied exactly once.
func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	for _, scheme := range []string{engine.RemoteScheme, "postgresql://"} {
		if len(endpoint) >= len(scheme) && strings.EqualFold(endpoint[:len(scheme)], scheme) {
			endpoint = endpoint[len(scheme):]
			break
		}
	}
	return strings.TrimSuffix(endpoint, "/")
}

// Kind returns the target variant.
func (t Target) Kind() TargetKind { return t.kind }

// Location returns the cleaned file path or the normalized remote endpoint.
// It is empty for memory targets.
func (t Target) Location() string { return t.location }

// Address returns the engine address string for the target.
func (t Target) Address() string {
	switch t.kind {
	case TargetMemory:
		return engine.MemoryAddress
	case TargetFile:
		return engine.FileScheme + t.location
	case TargetRemote:
		return engine.RemoteScheme + t.location
	default:
		panic(fmt.Sprintf("manager: unknown target kind %d", int(t.kind)))
	}
}

func (t Target) String() string {
	return t.Address()
}
