package conf

import (
	"fmt"
	"strings"
)

// Mount is the configuration of a mount point: a URL path that clients can
// request, backed by a media pipeline described by a launch line.
type Mount struct {
	// Name is the mount path. Filled automatically from the map key.
	Name string `yaml:"-" json:"name"`

	// Launch is the pipeline description, in launch syntax. It is opaque to
	// the server and handed to the pipeline engine as-is.
	Launch string `yaml:"launch" json:"launch"`

	// Shared controls whether all clients receive the output of a single
	// pipeline instance, or each client gets its own instance.
	Shared bool `yaml:"shared" json:"shared"`

	// MaxClients is the maximum number of simultaneous sessions.
	// Zero means no limit.
	MaxClients int `yaml:"maxClients" json:"maxClients"`

	// GraceAfter is the time a shared pipeline is kept alive after its last
	// session detaches, to let quick reconnects skip the restart cost.
	// Zero tears the pipeline down immediately.
	GraceAfter Duration `yaml:"graceAfter" json:"graceAfter"`
}

// Validate checks the mount and fills its name.
func (m *Mount) Validate(name string) error {
	if name == "" || !strings.HasPrefix(name, "/") {
		return fmt.Errorf("mount path '%s' must start with a slash", name)
	}
	if strings.Contains(name[1:], "//") {
		return fmt.Errorf("invalid mount path '%s'", name)
	}
	m.Name = name

	if m.Launch == "" {
		return fmt.Errorf("mount '%s' has an empty launch line", name)
	}
	if m.MaxClients < 0 {
		return fmt.Errorf("mount '%s' has a negative maxClients", name)
	}
	if m.GraceAfter < 0 {
		return fmt.Errorf("mount '%s' has a negative graceAfter", name)
	}

	return nil
}
