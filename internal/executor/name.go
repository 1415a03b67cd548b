package executor

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"jobctl/internal/job"
)

// NamePrefix starts every generated executor name.
const NamePrefix = "job-"

// nameTimeLayout is yyyyMMddHHmmssSSS.
const nameTimeLayout = "20060102150405.000"

// NewName returns the executor name for a job created at createdAt:
// "job-<id>-<yyyyMMddHHmmssSSS>". When createdAt is unknown the current
// time is used and a random suffix keeps retried starts apart.
// The result is always a valid DNS-1123 label.
func NewName(id job.Identity, createdAt time.Time) string {
	if createdAt.IsZero() {
		return fmt.Sprintf("%s%d-%s-%s", NamePrefix, id, stamp(time.Now()), randomSuffix())
	}
	return fmt.Sprintf("%s%d-%s", NamePrefix, id, stamp(createdAt))
}

// JobFromName returns the job a NewName result was generated for.
func JobFromName(name string) (job.Identity, bool) {
	rest, ok := strings.CutPrefix(name, NamePrefix)
	if !ok {
		return 0, false
	}
	digits, _, _ := strings.Cut(rest, "-")
	id, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return job.Identity(id), true
}

// NewPodName returns a pod name unique to one start attempt of the
// executor named name. Concurrent starts of the same job get distinct pods.
func NewPodName(name string) string {
	return name + "-" + randomSuffix()
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func stamp(t time.Time) string {
	return strings.Replace(t.UTC().Format(nameTimeLayout), ".", "", 1)
}

// MarkerPrefix precedes the executor name on a process command line.
const MarkerPrefix = "executor.name="

// Marker returns the command-line argument that tags a process as the
// executor named name. Matching pid plus marker guards against pid reuse.
func Marker(name string) string {
	return MarkerPrefix + name
}

// NameFromArgs returns the executor name carried by a Marker argument, if any.
func NameFromArgs(args []string) (string, bool) {
	for _, a := range args {
		if name, ok := strings.CutPrefix(a, MarkerPrefix); ok && name != "" {
			return name, true
		}
	}
	return "", false
}
