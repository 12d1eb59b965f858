// Package buildinfo holds build-time metadata injected through -ldflags.
package buildinfo

import (
	"fmt"

	"github.com/google/uuid"
)

// UnknownValue is reported for metadata the build did not set.
const UnknownValue = "unknown"

// Context contains build-time metadata that is not user-configurable.
type Context struct {
	Version   string // git tag of the build
	BuildDate string
	SystemID  string // random per process unless set, tags telemetry events
}

// NewContext creates a build context. An empty systemID is replaced by a
// random one.
func NewContext(version, buildDate, systemID string) *Context {
	if systemID == "" {
		systemID = uuid.NewString()
	}
	return &Context{Version: version, BuildDate: buildDate, SystemID: systemID}
}

// GetVersion returns the version or UnknownValue.
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate returns the build date or UnknownValue.
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// GetSystemID returns the system id or UnknownValue.
func (c *Context) GetSystemID() string {
	if c == nil || c.SystemID == "" {
		return UnknownValue
	}
	return c.SystemID
}

func (c *Context) String() string {
	return fmt.Sprintf("crowdwarn %s (built %s)", c.GetVersion(), c.GetBuildDate())
}
