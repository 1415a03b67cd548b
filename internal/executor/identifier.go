// Package executor defines where a job's executor lives and how that
// location is persisted.
//
// An Identifier is stored as a single delimiter-joined string. Field order
// and count are fixed per run mode; new fields may only be appended, and
// already-persisted identifiers must keep decoding. Field values must not
// contain Delimiter and must not be the literal "null": the codec does not
// escape either.
package executor

import (
	"fmt"
	"strconv"
	"strings"

	"jobctl/internal/apperrors"
	"jobctl/internal/job"
)

// Delimiter separates identifier segments.
const Delimiter = "|"

// legacyNull is how older writers rendered an absent field. A segment equal
// to it decodes to "", so it is reserved like Delimiter.
const legacyNull = "null"

const (
	processSegments = 4
	podSegments     = 6
)

// Identifier locates an executor.
type Identifier interface {
	RunMode() job.RunMode
	// Name is the generated executor name shared by both variants.
	Name() string
	// Encode returns the persisted form.
	Encode() string
}

// ProcessIdentifier locates an OS process.
type ProcessIdentifier struct {
	IPAddress       string
	PhysicalAddress string
	ExecutorName    string
	PID             int
}

// RunMode implements Identifier.
func (p ProcessIdentifier) RunMode() job.RunMode { return job.RunModeProcess }

// Name implements Identifier.
func (p ProcessIdentifier) Name() string { return p.ExecutorName }

// Encode implements Identifier.
func (p ProcessIdentifier) Encode() string {
	return strings.Join([]string{
		p.IPAddress,
		p.PhysicalAddress,
		p.ExecutorName,
		strconv.Itoa(p.PID),
	}, Delimiter)
}

// PodIdentifier locates a Kubernetes pod.
type PodIdentifier struct {
	CloudProvider string
	Region        string
	ClusterName   string
	Namespace     string
	ExecutorName  string
	PodName       string
}

// RunMode implements Identifier.
func (p PodIdentifier) RunMode() job.RunMode { return job.RunModeK8s }

// Name implements Identifier.
func (p PodIdentifier) Name() string { return p.ExecutorName }

// Encode implements Identifier.
func (p PodIdentifier) Encode() string {
	return strings.Join([]string{
		p.CloudProvider,
		p.Region,
		p.ClusterName,
		p.Namespace,
		p.ExecutorName,
		p.PodName,
	}, Delimiter)
}

// Decode parses s as the variant selected by mode.
// A blank segment, or a segment that is exactly "null", decodes to the
// empty string. Other segments are returned verbatim.
// A wrong segment count, an invalid pid or an unknown run mode is fatal.
func Decode(mode job.RunMode, s string) (Identifier, error) {
	switch mode {
	case job.RunModeProcess:
		return DecodeProcess(s)
	case job.RunModeK8s:
		return DecodePod(s)
	default:
		return nil, apperrors.Fatal("executor.decode", fmt.Sprintf("unknown run mode %q", mode))
	}
}

// DecodeProcess parses a ProcessIdentifier.
func DecodeProcess(s string) (ProcessIdentifier, error) {
	seg, err := split(s, processSegments)
	if err != nil {
		return ProcessIdentifier{}, err
	}
	pid, err := strconv.Atoi(seg[3])
	if err != nil || pid <= 0 {
		return ProcessIdentifier{}, apperrors.Fatal("executor.decode", fmt.Sprintf("invalid pid %q", seg[3]))
	}
	return ProcessIdentifier{
		IPAddress:       seg[0],
		PhysicalAddress: seg[1],
		ExecutorName:    seg[2],
		PID:             pid,
	}, nil
}

// DecodePod parses a PodIdentifier.
func DecodePod(s string) (PodIdentifier, error) {
	seg, err := split(s, podSegments)
	if err != nil {
		return PodIdentifier{}, err
	}
	return PodIdentifier{
		CloudProvider: seg[0],
		Region:        seg[1],
		ClusterName:   seg[2],
		Namespace:     seg[3],
		ExecutorName:  seg[4],
		PodName:       seg[5],
	}, nil
}

func split(s string, want int) ([]string, error) {
	seg := strings.Split(s, Delimiter)
	if len(seg) != want {
		return nil, apperrors.Fatal("executor.decode", fmt.Sprintf("expected %d segments, got %d", want, len(seg)))
	}
	for i, v := range seg {
		if v == legacyNull {
			seg[i] = ""
		}
	}
	return seg, nil
}

var (
	_ Identifier = ProcessIdentifier{}
	_ Identifier = PodIdentifier{}
)
